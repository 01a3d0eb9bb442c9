package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/infrastructure/config"
)

// RevocationChannel carries contract revocation notifications to every
// enforcement point.
const RevocationChannel = "consent.revoked"

// ConsentCache caches consent activity decisions at enforcement
// points. Entries never outlive the configured TTL, which is capped at
// the 60 second revocation bound, so even a lost invalidation
// converges in time. Revocations additionally delete the entry and
// publish on RevocationChannel for immediate propagation.
type ConsentCache struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewConsentCache creates the cache. TTLs above the revocation bound
// are clamped.
func NewConsentCache(client *Client, ttl time.Duration, logger *zap.Logger) *ConsentCache {
	if ttl <= 0 || ttl > config.RevocationBound {
		ttl = config.RevocationBound
	}
	return &ConsentCache{client: client, ttl: ttl, logger: logger}
}

func consentKey(contractID uuid.UUID) string {
	return "consent:active:" + contractID.String()
}

// GetActive returns the cached activity decision for a contract.
// found is false on miss.
func (c *ConsentCache) GetActive(ctx context.Context, contractID uuid.UUID) (active bool, found bool, err error) {
	val, found, err := c.client.Get(ctx, consentKey(contractID))
	if err != nil || !found {
		return false, found, err
	}
	return val == "1", true, nil
}

// SetActive caches a contract's activity decision
func (c *ConsentCache) SetActive(ctx context.Context, contractID uuid.UUID, active bool) error {
	val := "0"
	if active {
		val = "1"
	}
	return c.client.Set(ctx, consentKey(contractID), val, c.ttl)
}

// Invalidate drops the cached decision and broadcasts the revocation.
// Called on the revocation write path; both operations are attempted
// even if the first fails.
func (c *ConsentCache) Invalidate(ctx context.Context, contractID uuid.UUID) error {
	delErr := c.client.Del(ctx, consentKey(contractID))
	pubErr := c.client.Publish(ctx, RevocationChannel, contractID.String())

	if delErr != nil {
		return delErr
	}
	return pubErr
}

// ListenRevocations subscribes to revocation broadcasts and drops the
// local cache entry for each. Blocks until ctx is cancelled.
func (c *ConsentCache) ListenRevocations(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, RevocationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("revocation subscription closed")
			}
			contractID, err := uuid.Parse(msg.Payload)
			if err != nil {
				c.logger.Warn("malformed revocation notification",
					zap.String("payload", msg.Payload))
				continue
			}
			if err := c.client.Del(ctx, consentKey(contractID)); err != nil {
				c.logger.Error("failed to drop revoked consent entry",
					zap.String("contract_id", contractID.String()), zap.Error(err))
			}
		}
	}
}
