package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/privacy"
)

// LinkageStore keeps each requester's recent query field scopes in a
// Redis sorted set scored by unix nanos, so the 24 hour window is a
// single ZRemRangeByScore away.
type LinkageStore struct {
	client *Client
	window time.Duration
	logger *zap.Logger
}

// NewLinkageStore creates the store with the given history window
func NewLinkageStore(client *Client, window time.Duration, logger *zap.Logger) *LinkageStore {
	if window <= 0 {
		window = privacy.DefaultLinkageWindow
	}
	return &LinkageStore{client: client, window: window, logger: logger}
}

func linkageKey(requesterID uuid.UUID) string {
	return "linkage:scopes:" + requesterID.String()
}

// Record stores one query's field scope for the requester. The member
// embeds the canonical scope; a unique suffix keeps repeated identical
// scopes as separate entries.
func (s *LinkageStore) Record(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope, at time.Time) error {
	member := scope.Canonical() + "#" + uuid.NewString()
	key := linkageKey(requesterID)

	pipe := s.client.Redis().TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.Expire(ctx, key, s.window+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording linkage scope: %w", err)
	}
	return nil
}

// History returns the requester's field scopes inside the window
// ending at now, pruning anything older as a side effect.
func (s *LinkageStore) History(ctx context.Context, requesterID uuid.UUID, now time.Time) ([]privacy.FieldScope, error) {
	key := linkageKey(requesterID)
	cutoff := now.Add(-s.window).UnixNano()

	if err := s.client.Redis().ZRemRangeByScore(ctx, key,
		"-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("pruning linkage window: %w", err)
	}

	members, err := s.client.Redis().ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading linkage window: %w", err)
	}

	scopes := make([]privacy.FieldScope, 0, len(members))
	for _, m := range members {
		canonical := m
		for i := len(m) - 1; i >= 0; i-- {
			if m[i] == '#' {
				canonical = m[:i]
				break
			}
		}
		scopes = append(scopes, privacy.ParseFieldScope(canonical))
	}
	return scopes, nil
}
