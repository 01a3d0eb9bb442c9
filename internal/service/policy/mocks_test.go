package policy

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	privacysvc "github.com/yachaq/privacy-core/internal/service/privacy"
)

// stubConsent answers activity and scope checks from fixed maps
type stubConsent struct {
	active   map[uuid.UUID]bool
	scopes   map[uuid.UUID]privacy.FieldScope
	checkErr error
}

var _ consentsvc.Service = (*stubConsent)(nil)

func (s *stubConsent) CheckActive(ctx context.Context, contractID uuid.UUID) (bool, error) {
	if s.checkErr != nil {
		return false, s.checkErr
	}
	active, ok := s.active[contractID]
	if !ok {
		return false, errors.ErrContractNotFound
	}
	return active, nil
}

func (s *stubConsent) EvaluateAccess(ctx context.Context, contractID uuid.UUID, requested privacy.FieldScope) error {
	active, err := s.CheckActive(ctx, contractID)
	if err != nil {
		return err
	}
	if !active {
		return errors.ErrConsentRevoked
	}
	if granted, ok := s.scopes[contractID]; ok && !granted.Contains(requested) {
		return errors.ErrScopeViolation
	}
	return nil
}

func (s *stubConsent) Grant(ctx context.Context, req consentsvc.GrantRequest) (*consent.Contract, error) {
	return nil, errors.NewInternalError("not implemented in stub")
}

func (s *stubConsent) Revoke(ctx context.Context, contractID uuid.UUID, actorID, reason string) (*consent.Contract, error) {
	return nil, errors.NewInternalError("not implemented in stub")
}

func (s *stubConsent) Get(ctx context.Context, contractID uuid.UUID) (*consent.Contract, error) {
	return nil, errors.ErrContractNotFound
}

func (s *stubConsent) ActiveContract(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue) (*consent.Contract, error) {
	return nil, errors.ErrContractNotFound
}

func (s *stubConsent) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error) {
	return nil, nil
}

// stubCohorts returns a fixed cohort estimate
type stubCohorts struct {
	size        int
	err         error
	lastScope   privacy.FieldScope
	invocations int
}

var _ CohortEstimator = (*stubCohorts)(nil)

func (s *stubCohorts) EstimateCohort(ctx context.Context, contractID uuid.UUID, scope privacy.FieldScope) (int, error) {
	s.invocations++
	s.lastScope = scope
	if s.err != nil {
		return 0, s.err
	}
	return s.size, nil
}

// stubGovernor lets each check be forced to fail or panic
type stubGovernor struct {
	cohortErr    error
	linkageErr   error
	consumeErr   error
	panicOn      string
	consumed     []uuid.UUID
	amounts      []values.RiskAmount
	consumedLock sync.Mutex
}

var _ privacysvc.Governor = (*stubGovernor)(nil)

func (g *stubGovernor) CheckCohort(ctx context.Context, cohortSize int) error {
	if g.panicOn == "cohort" {
		panic("cohort check blew up")
	}
	return g.cohortErr
}

func (g *stubGovernor) CheckLinkage(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope) (*privacysvc.LinkageCheck, error) {
	if g.panicOn == "linkage" {
		panic("linkage check blew up")
	}
	if g.linkageErr != nil {
		return &privacysvc.LinkageCheck{Blocked: true}, g.linkageErr
	}
	return &privacysvc.LinkageCheck{}, nil
}

func (g *stubGovernor) ConsumeBudget(ctx context.Context, budgetID, queryID uuid.UUID, amount values.RiskAmount) (*privacy.ConsumptionRecord, error) {
	if g.panicOn == "consume" {
		panic("budget consume blew up")
	}
	if g.consumeErr != nil {
		return nil, g.consumeErr
	}
	g.consumedLock.Lock()
	g.consumed = append(g.consumed, queryID)
	g.amounts = append(g.amounts, amount)
	g.consumedLock.Unlock()
	return &privacy.ConsumptionRecord{ID: uuid.New(), BudgetID: budgetID, QueryID: queryID}, nil
}

func (g *stubGovernor) AllocateBudget(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue, allocation values.RiskAmount) (*privacy.Budget, error) {
	return nil, errors.NewInternalError("not implemented in stub")
}

func (g *stubGovernor) LockBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error) {
	return nil, errors.ErrBudgetNotFound
}

func (g *stubGovernor) GetBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error) {
	return nil, errors.ErrBudgetNotFound
}

// fakeAuditor records decision receipts and can fail on demand
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
	a.appended = append(a.appended, req)

	receipt, err := audit.NewReceipt(req.EventType, req.ActorID, req.ActorType,
		req.ResourceID, req.ResourceType, req.Details, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	seq, err := values.NewSequenceNumber(uint64(len(a.appended)))
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
	return receipt, nil
}

func (a *fakeAuditor) last() *auditsvc.AppendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.appended) == 0 {
		return nil
	}
	req := a.appended[len(a.appended)-1]
	return &req
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
