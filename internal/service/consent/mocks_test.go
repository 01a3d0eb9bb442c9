package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
)

type memContractRepo struct {
	mu        sync.Mutex
	contracts map[uuid.UUID]*consent.Contract
	failNext  error
}

func newMemContractRepo() *memContractRepo {
	return &memContractRepo{contracts: make(map[uuid.UUID]*consent.Contract)}
}

func (r *memContractRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *memContractRepo) Save(ctx context.Context, c *consent.Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	clone := *c
	r.contracts[c.ID] = &clone
	return nil
}

func (r *memContractRepo) GetByID(ctx context.Context, id uuid.UUID) (*consent.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	c, ok := r.contracts[id]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (r *memContractRepo) FindActive(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue, at time.Time) (*consent.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	for _, c := range r.contracts {
		if c.SubjectID == subjectID && c.RequesterID == requesterID &&
			c.CoversPurpose(purposeHash) && c.IsActiveAt(at) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *memContractRepo) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]*consent.Contract, 0)
	for _, c := range r.contracts {
		if c.SubjectID == subjectID {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

type memDecisionCache struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]bool
	invalidated []uuid.UUID
	failReads   bool
}

func newMemDecisionCache() *memDecisionCache {
	return &memDecisionCache{entries: make(map[uuid.UUID]bool)}
}

func (c *memDecisionCache) GetActive(ctx context.Context, contractID uuid.UUID) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return false, false, errors.NewExternalError("redis", "connection refused")
	}
	active, found := c.entries[contractID]
	return active, found, nil
}

func (c *memDecisionCache) SetActive(ctx context.Context, contractID uuid.UUID, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[contractID] = active
	return nil
}

func (c *memDecisionCache) Invalidate(ctx context.Context, contractID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contractID)
	c.invalidated = append(c.invalidated, contractID)
	return nil
}

// fakeAuditor records append requests without running a real chain
type fakeAuditor struct {
	mu       sync.Mutex
	appended []auditsvc.AppendRequest
	failNext error
}

var _ auditsvc.Service = (*fakeAuditor)(nil)

func (a *fakeAuditor) Append(ctx context.Context, req auditsvc.AppendRequest) (*audit.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return nil, err
	}

	for _, prev := range a.appended {
		if prev.IdempotencyKey == req.IdempotencyKey {
			return receiptFor(prev, uint64(len(a.appended)))
		}
	}
	a.appended = append(a.appended, req)
	return receiptFor(req, uint64(len(a.appended)))
}

func receiptFor(req auditsvc.AppendRequest, seq uint64) (*audit.Receipt, error) {
	r, err := audit.NewReceipt(req.EventType, req.ActorID, req.ActorType,
		req.ResourceID, req.ResourceType, req.Details, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	prev := audit.GenesisHash
	if seq > 1 {
		prev = "0000000000000000000000000000000000000000000000000000000000000000"
	}
	n, err := values.NewSequenceNumber(seq)
	if err != nil {
		return nil, err
	}
	if err := r.Seal("primary", n, prev); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *fakeAuditor) events() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, len(a.appended))
	for i, req := range a.appended {
		out[i] = req.EventType
	}
	return out
}

func (a *fakeAuditor) GetReceipt(ctx context.Context, id uuid.UUID) (*audit.Receipt, error) {
	return nil, errors.ErrReceiptNotFound
}

func (a *fakeAuditor) ListReceipts(ctx context.Context, shard string, from, to uint64) ([]*audit.Receipt, error) {
	return nil, nil
}

func (a *fakeAuditor) VerifyRange(ctx context.Context, shard string, from, to uint64) (*audit.ChainVerificationResult, error) {
	return &audit.ChainVerificationResult{IsValid: true}, nil
}

func (a *fakeAuditor) Prove(ctx context.Context, receiptID uuid.UUID) (string, error) {
	return "", errors.ErrReceiptNotFound
}

func (a *fakeAuditor) Close() {}
