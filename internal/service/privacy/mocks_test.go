package privacy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
)

type consumptionKey struct {
	budgetID uuid.UUID
	queryID  uuid.UUID
}

type memBudgetRepo struct {
	mu           sync.Mutex
	budgets      map[uuid.UUID]*privacy.Budget
	consumptions map[consumptionKey]*privacy.ConsumptionRecord
	casConflicts int
}

func newMemBudgetRepo() *memBudgetRepo {
	return &memBudgetRepo{
		budgets:      make(map[uuid.UUID]*privacy.Budget),
		consumptions: make(map[consumptionKey]*privacy.ConsumptionRecord),
	}
}

func (r *memBudgetRepo) Insert(ctx context.Context, b *privacy.Budget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.budgets {
		if existing.SubjectID == b.SubjectID && existing.PurposeHash.Equal(b.PurposeHash) {
			return errors.NewConflictError("budget already exists for subject and purpose")
		}
	}
	clone := *b
	r.budgets[b.ID] = &clone
	return nil
}

func (r *memBudgetRepo) UpdateCAS(ctx context.Context, b *privacy.Budget, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.budgets[b.ID]
	if !ok || stored.Version != expectedVersion {
		r.casConflicts++
		return errors.ErrConcurrentModification
	}
	clone := *b
	r.budgets[b.ID] = &clone
	return nil
}

func (r *memBudgetRepo) GetByID(ctx context.Context, id uuid.UUID) (*privacy.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.budgets[id]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (r *memBudgetRepo) FindBySubjectPurpose(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue) (*privacy.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.budgets {
		if b.SubjectID == subjectID && b.PurposeHash.Equal(purposeHash) {
			clone := *b
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *memBudgetRepo) InsertConsumption(ctx context.Context, rec *privacy.ConsumptionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := consumptionKey{budgetID: rec.BudgetID, queryID: rec.QueryID}
	if _, exists := r.consumptions[key]; exists {
		return errors.NewConflictError("query already consumed from this budget")
	}
	clone := *rec
	r.consumptions[key] = &clone
	return nil
}

func (r *memBudgetRepo) GetConsumption(ctx context.Context, budgetID, queryID uuid.UUID) (*privacy.ConsumptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.consumptions[consumptionKey{budgetID: budgetID, queryID: queryID}]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

type historyEntry struct {
	scope privacy.FieldScope
	at    time.Time
}

type memLinkageHistory struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[uuid.UUID][]historyEntry
}

func newMemLinkageHistory(window time.Duration) *memLinkageHistory {
	return &memLinkageHistory{
		window:  window,
		entries: make(map[uuid.UUID][]historyEntry),
	}
}

func (h *memLinkageHistory) Record(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[requesterID] = append(h.entries[requesterID], historyEntry{scope: scope, at: at})
	return nil
}

func (h *memLinkageHistory) History(ctx context.Context, requesterID uuid.UUID, now time.Time) ([]privacy.FieldScope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-h.window)
	var scopes []privacy.FieldScope
	for _, e := range h.entries[requesterID] {
		if e.at.After(cutoff) {
			scopes = append(scopes, e.scope)
		}
	}
	return scopes, nil
}

// fakeAuditor records append requests without a real chain
type fakeAuditor struct {
	mu       sync.Mutex
	appended []auditsvc.AppendRequest
}

var _ auditsvc.Service = (*fakeAuditor)(nil)

func (a *fakeAuditor) Append(ctx context.Context, req auditsvc.AppendRequest) (*audit.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, prev := range a.appended {
		if prev.IdempotencyKey == req.IdempotencyKey {
			return nil, nil
		}
	}
	a.appended = append(a.appended, req)
	return nil, nil
}

func (a *fakeAuditor) count(eventType audit.EventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, req := range a.appended {
		if req.EventType == eventType {
			n++
		}
	}
	return n
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
