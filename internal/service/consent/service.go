package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
)

type service struct {
	repo    ContractRepository
	cache   DecisionCache
	auditor auditsvc.Service
	logger  *zap.Logger
}

var _ Service = (*service)(nil)

// NewService creates the consent ledger service
func NewService(repo ContractRepository, cache DecisionCache, auditor auditsvc.Service, logger *zap.Logger) Service {
	return &service{
		repo:    repo,
		cache:   cache,
		auditor: auditor,
		logger:  logger,
	}
}

// Grant creates a new active consent contract and chains a
// consent.granted receipt.
func (s *service) Grant(ctx context.Context, req GrantRequest) (*consent.Contract, error) {
	existing, err := s.repo.FindActive(ctx, req.SubjectID, req.RequesterID,
		req.PurposeHash, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewConflictError(
			"an active contract already covers this subject and purpose")
	}

	contract, err := consent.NewContract(req.SubjectID, req.RequesterID,
		privacy.NewFieldScope(req.Scope), req.PurposeHash,
		req.ValidFrom, req.ValidUntil, req.Compensation, req.Directives)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, contract); err != nil {
		return nil, err
	}

	if _, err := s.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventConsentGranted,
		ActorID:      contract.SubjectID.String(),
		ActorType:    "subject",
		ResourceID:   contract.ID.String(),
		ResourceType: "consent_contract",
		Details: map[string]interface{}{
			"requester_id": contract.RequesterID.String(),
			"scope_hash":   contract.ScopeHash.String(),
			"purpose_hash": contract.PurposeHash.String(),
			"valid_until":  contract.ValidUntil.Format(time.RFC3339),
		},
		IdempotencyKey: "consent:granted:" + contract.ID.String(),
	}); err != nil {
		s.logger.Error("failed to chain consent.granted receipt",
			zap.String("contract_id", contract.ID.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Info("consent granted",
		zap.String("contract_id", contract.ID.String()),
		zap.String("subject_id", contract.SubjectID.String()))
	return contract, nil
}

// Revoke marks the contract revoked, invalidates every cached decision
// and chains a consent.revoked receipt. The invalidation both deletes
// the cache entry and broadcasts to subscribed enforcement points, so
// revocation propagates well inside the 60 second bound.
func (s *service) Revoke(ctx context.Context, contractID uuid.UUID, actorID, reason string) (*consent.Contract, error) {
	contract, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, errors.ErrContractNotFound
	}

	if err := contract.Revoke(reason); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, contract); err != nil {
		return nil, err
	}

	// cache invalidation before returning: the write path owns the
	// propagation bound
	if err := s.cache.Invalidate(ctx, contract.ID); err != nil {
		s.logger.Error("failed to invalidate consent cache",
			zap.String("contract_id", contract.ID.String()), zap.Error(err))
	}

	if _, err := s.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventConsentRevoked,
		ActorID:      actorID,
		ActorType:    "subject",
		ResourceID:   contract.ID.String(),
		ResourceType: "consent_contract",
		Details: map[string]interface{}{
			"reason":     reason,
			"revoked_at": contract.RevokedAt.Format(time.RFC3339Nano),
		},
		IdempotencyKey: "consent:revoked:" + contract.ID.String(),
	}); err != nil {
		s.logger.Error("failed to chain consent.revoked receipt",
			zap.String("contract_id", contract.ID.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Info("consent revoked",
		zap.String("contract_id", contract.ID.String()),
		zap.String("reason", reason))
	return contract, nil
}

// Get loads one contract
func (s *service) Get(ctx context.Context, contractID uuid.UUID) (*consent.Contract, error) {
	contract, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, errors.ErrContractNotFound
	}
	return contract, nil
}

// ListBySubject returns every contract a subject has granted, newest
// first, including revoked and expired ones.
func (s *service) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error) {
	if subjectID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_SUBJECT_ID", "subject ID is required")
	}
	return s.repo.ListBySubject(ctx, subjectID)
}

// ActiveContract returns the contract authorizing a requester's access
// to a subject for a purpose right now, or ErrContractNotFound.
func (s *service) ActiveContract(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue) (*consent.Contract, error) {
	contract, err := s.repo.FindActive(ctx, subjectID, requesterID, purposeHash, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, errors.ErrContractNotFound
	}
	return contract, nil
}

// CheckActive reports whether the contract authorizes access now. The
// cached decision is trusted inside its TTL; on a miss the contract is
// loaded, lazily expired if its window passed, and the fresh decision
// cached. Fail-closed: every error path returns inactive.
func (s *service) CheckActive(ctx context.Context, contractID uuid.UUID) (bool, error) {
	active, found, err := s.cache.GetActive(ctx, contractID)
	if err != nil {
		s.logger.Warn("consent cache read failed, falling back to storage",
			zap.String("contract_id", contractID.String()), zap.Error(err))
	} else if found {
		return active, nil
	}

	contract, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return false, err
	}
	if contract == nil {
		return false, errors.ErrContractNotFound
	}

	now := time.Now().UTC()
	if contract.ExpireIfPast(now) {
		if err := s.repo.Save(ctx, contract); err != nil {
			return false, err
		}
		if _, err := s.auditor.Append(ctx, auditsvc.AppendRequest{
			EventType:    audit.EventConsentExpired,
			ActorID:      "system",
			ActorType:    "system",
			ResourceID:   contract.ID.String(),
			ResourceType: "consent_contract",
			Details: map[string]interface{}{
				"valid_until": contract.ValidUntil.Format(time.RFC3339),
			},
			IdempotencyKey: "consent:expired:" + contract.ID.String(),
		}); err != nil {
			s.logger.Error("failed to chain consent.expired receipt",
				zap.String("contract_id", contract.ID.String()), zap.Error(err))
		}
	}

	isActive := contract.IsActiveAt(now)
	if err := s.cache.SetActive(ctx, contractID, isActive); err != nil {
		s.logger.Warn("failed to cache consent decision",
			zap.String("contract_id", contractID.String()), zap.Error(err))
	}
	return isActive, nil
}

// EvaluateAccess checks the contract is active now and that the
// requested fields are a subset of the granted scope. Activity rides
// the decision cache; the scope check always reads the stored contract
// because scope never changes after grant but the request does.
func (s *service) EvaluateAccess(ctx context.Context, contractID uuid.UUID, requested privacy.FieldScope) error {
	active, err := s.CheckActive(ctx, contractID)
	if err != nil {
		return err
	}

	contract, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return err
	}
	if contract == nil {
		return errors.ErrContractNotFound
	}

	if !active {
		if contract.Status == consent.StatusRevoked {
			return errors.ErrConsentRevoked
		}
		return errors.ErrConsentExpired
	}

	if !contract.CoversScope(requested) {
		return errors.ErrScopeViolation
	}
	return nil
}
