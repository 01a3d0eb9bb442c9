package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/values"
)

// AnchorStream publishes Merkle roots to a per-shard Redis stream.
// External verifiers consume the stream; the returned entry ID is the
// anchor's external reference.
type AnchorStream struct {
	client *Client
	logger *zap.Logger
}

// NewAnchorStream creates the stream sink
func NewAnchorStream(client *Client, logger *zap.Logger) *AnchorStream {
	return &AnchorStream{client: client, logger: logger}
}

func anchorStreamKey(shard string) string {
	return "anchors:" + shard
}

// Commit appends the root to the shard's anchor stream
func (s *AnchorStream) Commit(ctx context.Context, shard string, root values.HashValue) (string, error) {
	id, err := s.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: anchorStreamKey(shard),
		Values: map[string]interface{}{
			"root":         root.String(),
			"committed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("committing anchor root for shard %s: %w", shard, err)
	}

	s.logger.Debug("anchor root committed",
		zap.String("shard", shard),
		zap.String("entry_id", id),
		zap.String("root", root.Truncate()))
	return id, nil
}
