package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/values"
)

// NonceGuard is the Redis fast path of the nonce registry: a SETNX per
// nonce value makes the first use win atomically. The durable registry
// row in Postgres remains the source of truth; the guard just rejects
// replays without a database round trip.
type NonceGuard struct {
	client *Client
	ttl    time.Duration
}

// NewNonceGuard creates the guard. Guard entries outlive any plan or
// capsule the nonce could belong to.
func NewNonceGuard(client *Client, ttl time.Duration) *NonceGuard {
	if ttl <= 0 {
		ttl = values.MaxCapsuleTTL + time.Hour
	}
	return &NonceGuard{client: client, ttl: ttl}
}

func nonceKey(nonce values.Nonce) string {
	return "nonce:used:" + nonce.String()
}

// TryUse atomically claims the nonce for queryID. Returns false when
// the nonce was already claimed.
func (g *NonceGuard) TryUse(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) (bool, error) {
	return g.client.SetNX(ctx, nonceKey(nonce), queryID.String(), g.ttl)
}

// UsedBy returns the query that claimed the nonce, if any
func (g *NonceGuard) UsedBy(ctx context.Context, nonce values.Nonce) (uuid.UUID, bool, error) {
	val, found, err := g.client.Get(ctx, nonceKey(nonce))
	if err != nil || !found {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}
