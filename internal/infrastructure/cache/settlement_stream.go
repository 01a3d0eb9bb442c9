package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/service/query"
)

// SettlementStream posts compensation entries to the financial ledger
// stream. The downstream settlement processor consumes the stream and
// executes the actual transfer; this side only guarantees each entry
// is posted exactly once.
type SettlementStream struct {
	client *Client
	logger *zap.Logger
}

var _ query.SettlementLedger = (*SettlementStream)(nil)

// NewSettlementStream creates the ledger sink
func NewSettlementStream(client *Client, logger *zap.Logger) *SettlementStream {
	return &SettlementStream{client: client, logger: logger}
}

const settlementStream = "settlements"

func settlementDedupeKey(idempotencyKey string) string {
	return "settlement:posted:" + idempotencyKey
}

// PostEntry appends one double-entry posting to the settlement stream.
// The dedupe key is claimed first; a duplicate posting is a no-op, and
// a failed append releases the claim so a retry can post.
func (s *SettlementStream) PostEntry(ctx context.Context, entry query.LedgerEntry) error {
	rdb := s.client.Redis()

	claimed, err := rdb.SetNX(ctx, settlementDedupeKey(entry.IdempotencyKey), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("claiming settlement key %s: %w", entry.IdempotencyKey, err)
	}
	if !claimed {
		s.logger.Debug("settlement already posted",
			zap.String("idempotency_key", entry.IdempotencyKey))
		return nil
	}

	id, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: settlementStream,
		Values: map[string]interface{}{
			"debit":           entry.Debit,
			"credit":          entry.Credit,
			"amount":          entry.Amount.String(),
			"unit":            entry.Unit,
			"reference":       entry.Reference,
			"idempotency_key": entry.IdempotencyKey,
		},
	}).Result()
	if err != nil {
		if delErr := rdb.Del(ctx, settlementDedupeKey(entry.IdempotencyKey)).Err(); delErr != nil {
			s.logger.Error("failed to release settlement claim",
				zap.String("idempotency_key", entry.IdempotencyKey), zap.Error(delErr))
		}
		return fmt.Errorf("posting settlement %s: %w", entry.IdempotencyKey, err)
	}

	s.logger.Info("settlement posted",
		zap.String("entry_id", id),
		zap.String("debit", entry.Debit),
		zap.String("credit", entry.Credit),
		zap.String("amount", entry.Amount.String()))
	return nil
}
