package query

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/capsule"
	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	"github.com/yachaq/privacy-core/internal/service/policy"
)

type memPlanRepo struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*capsule.QueryPlan
}

func newMemPlanRepo() *memPlanRepo {
	return &memPlanRepo{plans: make(map[uuid.UUID]*capsule.QueryPlan)}
}

func (r *memPlanRepo) Insert(ctx context.Context, p *capsule.QueryPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *p
	r.plans[p.ID] = &clone
	return nil
}

func (r *memPlanRepo) Update(ctx context.Context, p *capsule.QueryPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[p.ID]; !ok {
		return errors.NewNotFoundError("query plan")
	}
	clone := *p
	r.plans[p.ID] = &clone
	return nil
}

func (r *memPlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*capsule.QueryPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (r *memPlanRepo) ListStale(ctx context.Context, now time.Time, limit int) ([]*capsule.QueryPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*capsule.QueryPlan
	for _, p := range r.plans {
		if !p.Status.IsTerminal() && p.IsExpired(now) {
			clone := *p
			stale = append(stale, &clone)
			if len(stale) == limit {
				break
			}
		}
	}
	return stale, nil
}

type memCapsuleRepo struct {
	mu       sync.Mutex
	capsules map[uuid.UUID]*capsule.TimeCapsule
	certs    map[uuid.UUID]*capsule.DeletionCertificate
}

func newMemCapsuleRepo() *memCapsuleRepo {
	return &memCapsuleRepo{
		capsules: make(map[uuid.UUID]*capsule.TimeCapsule),
		certs:    make(map[uuid.UUID]*capsule.DeletionCertificate),
	}
}

func cloneCapsule(c *capsule.TimeCapsule) *capsule.TimeCapsule {
	clone := *c
	if c.EncryptedPayload != nil {
		clone.EncryptedPayload = append([]byte(nil), c.EncryptedPayload...)
	}
	return &clone
}

func (r *memCapsuleRepo) Insert(ctx context.Context, c *capsule.TimeCapsule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capsules[c.ID] = cloneCapsule(c)
	return nil
}

func (r *memCapsuleRepo) Update(ctx context.Context, c *capsule.TimeCapsule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capsules[c.ID]; !ok {
		return errors.ErrCapsuleNotFound
	}
	r.capsules[c.ID] = cloneCapsule(c)
	return nil
}

func (r *memCapsuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*capsule.TimeCapsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.capsules[id]
	if !ok {
		return nil, nil
	}
	return cloneCapsule(c), nil
}

func (r *memCapsuleRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*capsule.TimeCapsule
	for _, c := range r.capsules {
		if (c.Status == capsule.CapsuleStatusCreated || c.Status == capsule.CapsuleStatusDelivered) &&
			c.IsExpired(now) {
			out = append(out, cloneCapsule(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memCapsuleRepo) ListPendingDeletion(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*capsule.TimeCapsule
	for _, c := range r.capsules {
		if c.Status == capsule.CapsuleStatusExpired {
			out = append(out, cloneCapsule(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memCapsuleRepo) InsertDeletionCertificate(ctx context.Context, cert *capsule.DeletionCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.certs[cert.CapsuleID]; exists {
		return errors.NewConflictError("capsule already certified deleted")
	}
	clone := *cert
	r.certs[cert.CapsuleID] = &clone
	return nil
}

func (r *memCapsuleRepo) GetDeletionCertificate(ctx context.Context, capsuleID uuid.UUID) (*capsule.DeletionCertificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cert, ok := r.certs[capsuleID]
	if !ok {
		return nil, nil
	}
	clone := *cert
	return &clone, nil
}

type memNonceRegistry struct {
	mu      sync.Mutex
	records map[string]*capsule.NonceRecord
}

func newMemNonceRegistry() *memNonceRegistry {
	return &memNonceRegistry{records: make(map[string]*capsule.NonceRecord)}
}

func (r *memNonceRegistry) Register(ctx context.Context, rec *capsule.NonceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.Value.String()]; exists {
		return errors.NewConflictError("nonce already registered")
	}
	clone := *rec
	r.records[rec.Value.String()] = &clone
	return nil
}

func (r *memNonceRegistry) Use(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[nonce.String()]
	if !ok {
		return errors.NewNotFoundError("nonce")
	}
	return rec.Use(queryID)
}

func (r *memNonceRegistry) Get(ctx context.Context, nonce values.Nonce) (*capsule.NonceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[nonce.String()]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

// passGuard admits everything, deferring replay detection to the
// registry. failGuard rejects everything.
type passGuard struct{}

func (passGuard) TryUse(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) (bool, error) {
	return true, nil
}

type denyGuard struct{}

func (denyGuard) TryUse(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) (bool, error) {
	return false, nil
}

// stubEvaluator returns a canned decision
type stubEvaluator struct {
	mu        sync.Mutex
	reason    string
	evaluated []policy.EvaluateRequest
}

var _ policy.Evaluator = (*stubEvaluator)(nil)

func (e *stubEvaluator) Evaluate(ctx context.Context, req policy.EvaluateRequest) policy.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluated = append(e.evaluated, req)
	reason := e.reason
	if reason == "" {
		reason = policy.ReasonAllow
	}
	return policy.Decision{
		QueryID:     req.QueryID,
		Allowed:     reason == policy.ReasonAllow,
		Reason:      reason,
		EvaluatedAt: time.Now().UTC(),
	}
}

// fakeAuditor records append requests with idempotency replay
type fakeAuditor struct {
	mu       sync.Mutex
	appended []auditsvc.AppendRequest
	receipts map[string]*audit.Receipt
	failNext error
}

var _ auditsvc.Service = (*fakeAuditor)(nil)

func newFakeAuditor() *fakeAuditor {
	return &fakeAuditor{receipts: make(map[string]*audit.Receipt)}
}

func (a *fakeAuditor) Append(ctx context.Context, req auditsvc.AppendRequest) (*audit.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return nil, err
	}
	if existing, ok := a.receipts[req.IdempotencyKey]; ok {
		return existing, nil
	}

	receipt, err := audit.NewReceipt(req.EventType, req.ActorID, req.ActorType,
		req.ResourceID, req.ResourceType, req.Details, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	seq, err := values.NewSequenceNumber(uint64(len(a.appended) + 1))
	if err != nil {
		return nil, err
	}
	prev := audit.GenesisHash
	if seq.Uint64() > 1 {
		prev = "0000000000000000000000000000000000000000000000000000000000000000"
	}
	if err := receipt.Seal("primary", seq, prev); err != nil {
		return nil, err
	}

	a.appended = append(a.appended, req)
	a.receipts[req.IdempotencyKey] = receipt
	return receipt, nil
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

// stubConsent serves one contract and lets tests flip it to revoked
// mid-flow.
type stubConsent struct {
	mu       sync.Mutex
	contract *consent.Contract
	revoked  bool
	getErr   error
}

var _ consentsvc.Service = (*stubConsent)(nil)

func (s *stubConsent) Grant(ctx context.Context, req consentsvc.GrantRequest) (*consent.Contract, error) {
	return nil, errors.NewInternalError("not supported in this stub")
}

func (s *stubConsent) Revoke(ctx context.Context, contractID uuid.UUID, actorID, reason string) (*consent.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = true
	return s.contract, nil
}

func (s *stubConsent) Get(ctx context.Context, contractID uuid.UUID) (*consent.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.contract == nil || s.contract.ID != contractID {
		return nil, errors.ErrContractNotFound
	}
	return s.contract, nil
}

func (s *stubConsent) ActiveContract(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue) (*consent.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contract, nil
}

func (s *stubConsent) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contract == nil {
		return nil, nil
	}
	return []*consent.Contract{s.contract}, nil
}

func (s *stubConsent) CheckActive(ctx context.Context, contractID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.revoked, nil
}

func (s *stubConsent) EvaluateAccess(ctx context.Context, contractID uuid.UUID, requested privacy.FieldScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		return errors.ErrConsentRevoked
	}
	if s.contract == nil || s.contract.ID != contractID {
		return errors.ErrContractNotFound
	}
	if !s.contract.CoversScope(requested) {
		return errors.ErrScopeViolation
	}
	return nil
}

// stubDirectory serves a fixed device roster and cohort estimate
type stubDirectory struct {
	devices []DeviceRef
	cohort  int
	err     error
}

var _ DeviceDirectory = (*stubDirectory)(nil)

func (d *stubDirectory) EligibleDevices(ctx context.Context, criteria DeviceCriteria) ([]DeviceRef, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.devices, nil
}

func (d *stubDirectory) EstimateCohort(ctx context.Context, criteria DeviceCriteria) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	return d.cohort, nil
}

// stubQuerier answers for every device unless told to delay or fail
// one. Delayed devices honor ctx cancellation like a real transport.
type stubQuerier struct {
	mu      sync.Mutex
	delay   map[uuid.UUID]time.Duration
	fail    map[uuid.UUID]error
	queried []uuid.UUID
}

var _ DeviceQuerier = (*stubQuerier)(nil)

func newStubQuerier() *stubQuerier {
	return &stubQuerier{
		delay: make(map[uuid.UUID]time.Duration),
		fail:  make(map[uuid.UUID]error),
	}
}

func (q *stubQuerier) Query(ctx context.Context, ref DeviceRef, plan PlanEnvelope) (*DeviceResponse, error) {
	q.mu.Lock()
	q.queried = append(q.queried, ref.ID)
	delay := q.delay[ref.ID]
	failErr := q.fail[ref.ID]
	q.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &DeviceResponse{
		DeviceID:   ref.ID,
		Payload:    []byte("reading:" + ref.ID.String()),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (q *stubQuerier) queriedIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.queried...)
}

// recordingLedger records postings and dedupes on the idempotency key
type recordingLedger struct {
	mu      sync.Mutex
	entries []LedgerEntry
	seen    map[string]bool
	failErr error
}

var _ SettlementLedger = (*recordingLedger)(nil)

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{seen: make(map[string]bool)}
}

func (l *recordingLedger) PostEntry(ctx context.Context, entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if l.seen[entry.IdempotencyKey] {
		return nil
	}
	l.seen[entry.IdempotencyKey] = true
	l.entries = append(l.entries, entry)
	return nil
}

func (l *recordingLedger) posted() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LedgerEntry(nil), l.entries...)
}
