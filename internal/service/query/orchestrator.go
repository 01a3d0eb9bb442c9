package query

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/capsule"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/metrics"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	"github.com/yachaq/privacy-core/internal/service/policy"
)

// DefaultPlanValidity is how long an unsigned plan may wait for
// dispatch when the caller does not say.
const DefaultPlanValidity = 15 * time.Minute

// DefaultCollectTimeout bounds device collection when the caller does
// not say.
const DefaultCollectTimeout = 30 * time.Second

// Config carries the orchestrator tunables
type Config struct {
	SigningKey        []byte
	RequestsPerSecond int
	BurstSize         int
	CollectTimeout    time.Duration
	CostModel         privacy.CostModel
}

// Deps bundles everything the orchestrator talks to
type Deps struct {
	Plans     PlanRepository
	Capsules  CapsuleRepository
	Nonces    NonceRegistry
	Guard     ReplayGuard
	Evaluator policy.Evaluator
	Auditor   auditsvc.Service
	Consent   consentsvc.Service
	Devices   DeviceDirectory
	Querier   DeviceQuerier
	Ledger    SettlementLedger
}

type orchestrator struct {
	plans     PlanRepository
	capsules  CapsuleRepository
	nonces    NonceRegistry
	guard     ReplayGuard
	evaluator policy.Evaluator
	auditor   auditsvc.Service
	consent   consentsvc.Service
	devices   DeviceDirectory
	querier   DeviceQuerier
	ledger    SettlementLedger
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

var _ Service = (*orchestrator)(nil)

// NewService creates the query orchestrator
func NewService(deps Deps, cfg Config, logger *zap.Logger) Service {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.RequestsPerSecond * 2
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}
	if cfg.CostModel.KMin <= 0 {
		cfg.CostModel = privacy.NewCostModel(0)
	}
	return &orchestrator{
		plans:     deps.Plans,
		capsules:  deps.Capsules,
		nonces:    deps.Nonces,
		guard:     deps.Guard,
		evaluator: deps.Evaluator,
		auditor:   deps.Auditor,
		consent:   deps.Consent,
		devices:   deps.Devices,
		querier:   deps.Querier,
		ledger:    deps.Ledger,
		cfg:       cfg,
		logger:    logger,
		limiters:  make(map[uuid.UUID]*rate.Limiter),
	}
}

func (o *orchestrator) limiter(requesterID uuid.UUID) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[requesterID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.cfg.RequestsPerSecond), o.cfg.BurstSize)
		o.limiters[requesterID] = l
	}
	return l
}

// PreparePlan creates, signs and registers a query plan. The cost
// estimate is the worst-band quote for the declared transforms; the
// actual charge is computed at dispatch from the estimated cohort. The
// fresh nonce is registered in the durable registry before the plan is
// persisted, so a plan never exists without its nonce.
func (o *orchestrator) PreparePlan(ctx context.Context, req PrepareRequest) (*capsule.QueryPlan, error) {
	if !o.limiter(req.RequesterID).Allow() {
		return nil, errors.NewRateLimitError("requester query rate exceeded")
	}

	validity := req.Validity
	if validity <= 0 {
		validity = DefaultPlanValidity
	}

	quote, err := o.cfg.CostModel.Quote(req.Transforms, req.Export)
	if err != nil {
		return nil, err
	}

	nonce, err := values.GenerateNonce()
	if err != nil {
		return nil, err
	}

	plan, err := capsule.NewQueryPlan(capsule.PlanParams{
		RequestID:    req.RequestID,
		ContractID:   req.ContractID,
		RequesterID:  req.RequesterID,
		FieldScope:   privacy.NewFieldScope(req.Fields),
		PurposeHash:  req.PurposeHash,
		Transforms:   req.Transforms,
		Export:       req.Export,
		CostEstimate: quote,
		Nonce:        nonce,
		ExpiresAt:    time.Now().UTC().Add(validity),
	})
	if err != nil {
		return nil, err
	}

	record, err := capsule.NewNonceRecord(nonce)
	if err != nil {
		return nil, err
	}
	if err := o.nonces.Register(ctx, record); err != nil {
		return nil, err
	}

	if err := plan.Sign(o.cfg.SigningKey); err != nil {
		return nil, err
	}
	if err := o.plans.Insert(ctx, plan); err != nil {
		return nil, err
	}

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventQuerySigned,
		ActorID:      plan.RequesterID.String(),
		ActorType:    "requester",
		ResourceID:   plan.ID.String(),
		ResourceType: "query_plan",
		Details: map[string]interface{}{
			"contract_id": plan.ContractID.String(),
			"field_scope": plan.FieldScope.Canonical(),
			"transforms":  privacy.TransformsCanonical(plan.Transforms),
			"export":      string(plan.Export),
			"cost_quote":  plan.CostEstimate.String(),
			"expires_at":  plan.ExpiresAt.Format(time.RFC3339),
		},
		IdempotencyKey: "query:signed:" + plan.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain query.signed receipt",
			zap.String("plan_id", plan.ID.String()), zap.Error(err))
		return nil, err
	}

	return plan, nil
}

// Dispatch verifies the plan, burns its nonce and runs the policy
// gate. Nonce burning comes before evaluation: a replayed plan is
// rejected and audited without ever reaching the gate.
func (o *orchestrator) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	plan, err := o.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errors.NewNotFoundError("query plan")
	}

	now := time.Now().UTC()
	if plan.ExpireIfPast(now) {
		if err := o.plans.Update(ctx, plan); err != nil {
			return nil, err
		}
		return nil, errors.NewBusinessError("PLAN_EXPIRED", "query plan has expired")
	}

	if err := plan.VerifySignature(o.cfg.SigningKey); err != nil {
		return nil, err
	}

	if err := o.burnNonce(ctx, plan.Nonce, plan.ID, plan.RequesterID.String(), "query_plan"); err != nil {
		return nil, err
	}

	decision := o.evaluator.Evaluate(ctx, policy.EvaluateRequest{
		QueryID:     plan.ID,
		ContractID:  plan.ContractID,
		RequesterID: plan.RequesterID,
		BudgetID:    req.BudgetID,
		FieldScope:  plan.FieldScope,
		Transforms:  plan.Transforms,
		Export:      plan.Export,
		RiskSignals: req.RiskSignals,
	})

	if !decision.Allowed {
		if err := plan.Reject(); err == nil {
			if err := o.plans.Update(ctx, plan); err != nil {
				o.logger.Error("failed to persist rejected plan",
					zap.String("plan_id", plan.ID.String()), zap.Error(err))
			}
		}
		return &DispatchResult{Plan: plan, Decision: decision}, nil
	}

	if err := plan.MarkDispatched(); err != nil {
		return nil, err
	}
	if err := o.plans.Update(ctx, plan); err != nil {
		return nil, err
	}

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventQueryDispatched,
		ActorID:      plan.RequesterID.String(),
		ActorType:    "requester",
		ResourceID:   plan.ID.String(),
		ResourceType: "query_plan",
		Details: map[string]interface{}{
			"contract_id": plan.ContractID.String(),
			"budget_id":   req.BudgetID.String(),
		},
		IdempotencyKey: "query:dispatched:" + plan.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain query.dispatched receipt",
			zap.String("plan_id", plan.ID.String()), zap.Error(err))
		return nil, err
	}

	return &DispatchResult{Plan: plan, Decision: decision}, nil
}

// burnNonce claims a nonce through the fast guard and the durable
// registry. Either layer rejecting means a replay, which is chained as
// a nonce.replay receipt before the error returns.
func (o *orchestrator) burnNonce(ctx context.Context, nonce values.Nonce, resourceID uuid.UUID, actorID, resourceType string) error {
	ok, err := o.guard.TryUse(ctx, nonce, resourceID)
	if err != nil {
		o.logger.Warn("replay guard unavailable, relying on the registry",
			zap.String("resource_id", resourceID.String()), zap.Error(err))
	} else if !ok {
		return o.auditReplay(ctx, nonce, resourceID, actorID, resourceType)
	}

	if err := o.nonces.Use(ctx, nonce, resourceID); err != nil {
		if errors.Code(err) == "NONCE_REUSED" {
			return o.auditReplay(ctx, nonce, resourceID, actorID, resourceType)
		}
		return err
	}
	return nil
}

func (o *orchestrator) auditReplay(ctx context.Context, nonce values.Nonce, resourceID uuid.UUID, actorID, resourceType string) error {
	metrics.NonceReplays.Inc()
	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventNonceReplay,
		ActorID:      actorID,
		ActorType:    "requester",
		ResourceID:   resourceID.String(),
		ResourceType: resourceType,
		Details: map[string]interface{}{
			"nonce": nonce.String(),
		},
		IdempotencyKey: "nonce:replay:" + nonce.String(),
	}); err != nil {
		o.logger.Error("failed to chain nonce.replay receipt",
			zap.String("resource_id", resourceID.String()), zap.Error(err))
	}
	return errors.ErrNonceReused.WithDetails(map[string]interface{}{
		"resource_id": resourceID.String(),
	})
}

// CollectResponses fans a dispatched plan out to its eligible devices.
// Every candidate device passes through the contract's directives
// first: the most restrictive applicable directive wins, so a device
// the subject denied, or one whose permitted fields no longer cover
// the plan, is never queried.
func (o *orchestrator) CollectResponses(ctx context.Context, planID uuid.UUID, timeout time.Duration) (*CollectionResult, error) {
	plan, err := o.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errors.NewNotFoundError("query plan")
	}
	if plan.Status != capsule.PlanStatusDispatched {
		return nil, errors.NewBusinessError("PLAN_NOT_DISPATCHED",
			"only dispatched plans can collect device responses")
	}

	if timeout <= 0 {
		timeout = o.cfg.CollectTimeout
	}

	contract, err := o.consent.Get(ctx, plan.ContractID)
	if err != nil {
		return nil, err
	}

	candidates, err := o.devices.EligibleDevices(ctx, DeviceCriteria{
		ContractID:  plan.ContractID,
		FieldScope:  plan.FieldScope,
		PurposeHash: plan.PurposeHash,
	})
	if err != nil {
		return nil, err
	}

	eligible := make([]DeviceRef, 0, len(candidates))
	for _, ref := range candidates {
		if contract.ResolveFor(ref.ID, "").Permits(plan.FieldScope) {
			eligible = append(eligible, ref)
		}
	}

	result := collectDeviceResponses(ctx, o.querier, eligible, PlanEnvelope{
		PlanID:      plan.ID,
		ContractID:  plan.ContractID,
		FieldScope:  plan.FieldScope,
		PurposeHash: plan.PurposeHash,
		Signature:   plan.Signature,
		ExpiresAt:   plan.ExpiresAt,
	}, timeout)

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventQueryCollected,
		ActorID:      plan.RequesterID.String(),
		ActorType:    "requester",
		ResourceID:   plan.ID.String(),
		ResourceType: "query_plan",
		Details: map[string]interface{}{
			"devices_queried": len(eligible),
			"responses":       len(result.Responses),
			"unreachable":     len(result.Unreachable),
			"partial":         result.Partial,
		},
		IdempotencyKey: "query:collected:" + plan.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain query.collected receipt",
			zap.String("plan_id", plan.ID.String()), zap.Error(err))
		return nil, err
	}

	return result, nil
}

// CompleteWithCapsule seals collected responses into a TTL-bound
// capsule. Consent is re-checked first: a revocation that landed
// while devices were answering aborts the capsule entirely.
func (o *orchestrator) CompleteWithCapsule(ctx context.Context, planID uuid.UUID, collection *CollectionResult, keyID string, ttl values.CapsuleTTL) (*capsule.TimeCapsule, error) {
	plan, err := o.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errors.NewNotFoundError("query plan")
	}
	if collection == nil {
		return nil, errors.NewValidationError("MISSING_COLLECTION",
			"completion requires a collection result")
	}

	if err := o.consent.EvaluateAccess(ctx, plan.ContractID, plan.FieldScope); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(collection)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode collection").WithCause(err)
	}

	manifestHash, err := values.ComputeHashValueFromString(plan.FieldScope.Canonical())
	if err != nil {
		return nil, err
	}

	capsuleNonce, err := values.GenerateNonce()
	if err != nil {
		return nil, err
	}
	record, err := capsule.NewNonceRecord(capsuleNonce)
	if err != nil {
		return nil, err
	}
	if err := o.nonces.Register(ctx, record); err != nil {
		return nil, err
	}

	tc, err := capsule.NewTimeCapsule(plan.RequestID, plan.ContractID,
		manifestHash, payload, keyID, capsuleNonce, ttl)
	if err != nil {
		return nil, err
	}

	if err := plan.MarkExecuted(); err != nil {
		return nil, err
	}
	if err := o.capsules.Insert(ctx, tc); err != nil {
		return nil, err
	}
	if err := o.plans.Update(ctx, plan); err != nil {
		return nil, err
	}

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventCapsuleCreated,
		ActorID:      plan.RequesterID.String(),
		ActorType:    "requester",
		ResourceID:   tc.ID.String(),
		ResourceType: "time_capsule",
		Details: map[string]interface{}{
			"plan_id":       plan.ID.String(),
			"manifest_hash": tc.FieldManifestHash.String(),
			"partial":       collection.Partial,
			"responses":     len(collection.Responses),
			"ttl":           tc.TTL.String(),
			"expires_at":    tc.ExpiresAt.Format(time.RFC3339),
		},
		IdempotencyKey: "capsule:created:" + tc.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain capsule.created receipt",
			zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		return nil, err
	}

	return tc, nil
}

// DeliverCapsule marks the capsule delivered, posts the subject's
// compensation to the settlement ledger and chains both receipts.
// Settlement happens here and nowhere earlier: the subject is paid
// for verified delivery, not for execution.
func (o *orchestrator) DeliverCapsule(ctx context.Context, capsuleID uuid.UUID) (*capsule.TimeCapsule, error) {
	tc, err := o.capsules.GetByID(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, errors.ErrCapsuleNotFound
	}

	if tc.IsExpired(time.Now().UTC()) {
		return nil, errors.NewBusinessError("CAPSULE_EXPIRED",
			"capsule TTL has passed")
	}

	if err := tc.MarkDelivered(); err != nil {
		return nil, err
	}
	if err := o.capsules.Update(ctx, tc); err != nil {
		return nil, err
	}

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventCapsuleDelivered,
		ActorID:      "system",
		ActorType:    "system",
		ResourceID:   tc.ID.String(),
		ResourceType: "time_capsule",
		Details: map[string]interface{}{
			"request_id": tc.RequestID.String(),
		},
		IdempotencyKey: "capsule:delivered:" + tc.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain capsule.delivered receipt",
			zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		return nil, err
	}

	if err := o.settle(ctx, tc); err != nil {
		return nil, err
	}

	return tc, nil
}

// settle posts the double-entry compensation for one delivered capsule
// and chains the settlement.due receipt. Both the ledger posting and
// the receipt are keyed by capsule, so retries of delivery cannot
// double-pay.
func (o *orchestrator) settle(ctx context.Context, tc *capsule.TimeCapsule) error {
	contract, err := o.consent.Get(ctx, tc.ContractID)
	if err != nil {
		return err
	}

	if err := o.ledger.PostEntry(ctx, LedgerEntry{
		Debit:          "requester:" + contract.RequesterID.String(),
		Credit:         "subject:" + contract.SubjectID.String(),
		Amount:         contract.Compensation.Amount,
		Unit:           contract.Compensation.Unit,
		Reference:      tc.ID.String(),
		IdempotencyKey: "settlement:" + tc.ID.String(),
	}); err != nil {
		o.logger.Error("failed to post settlement entry",
			zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		return err
	}

	if _, err := o.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventSettlementDue,
		ActorID:      "system",
		ActorType:    "system",
		ResourceID:   tc.ContractID.String(),
		ResourceType: "consent_contract",
		Details: map[string]interface{}{
			"capsule_id": tc.ID.String(),
			"amount":     contract.Compensation.Amount.String(),
			"unit":       contract.Compensation.Unit,
		},
		IdempotencyKey: "settlement:due:" + tc.ID.String(),
	}); err != nil {
		o.logger.Error("failed to chain settlement.due receipt",
			zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

// AccessCapsule returns the encrypted payload while the TTL holds.
// The caller must present the capsule's single-use nonce, which is
// burned on the first access: a second read with the same nonce is a
// replay and is audited as one. Past the TTL the capsule is as good
// as deleted, whether or not the sweeper got to it yet.
func (o *orchestrator) AccessCapsule(ctx context.Context, capsuleID uuid.UUID, nonce values.Nonce) ([]byte, error) {
	tc, err := o.capsules.GetByID(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, errors.ErrCapsuleNotFound
	}
	if tc.Status == capsule.CapsuleStatusDeleted {
		return nil, errors.ErrCapsuleNotFound
	}
	if tc.IsExpired(time.Now().UTC()) {
		return nil, errors.NewBusinessError("CAPSULE_EXPIRED",
			"capsule TTL has passed")
	}

	if nonce.IsEmpty() || !nonce.Equal(tc.Nonce) {
		return nil, errors.NewForbiddenError("capsule nonce does not match")
	}
	if err := o.burnNonce(ctx, nonce, tc.ID, "system", "time_capsule"); err != nil {
		return nil, err
	}

	return tc.EncryptedPayload, nil
}

// GetPlan loads one plan
func (o *orchestrator) GetPlan(ctx context.Context, planID uuid.UUID) (*capsule.QueryPlan, error) {
	plan, err := o.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errors.NewNotFoundError("query plan")
	}
	return plan, nil
}

// GetCapsule loads one capsule
func (o *orchestrator) GetCapsule(ctx context.Context, capsuleID uuid.UUID) (*capsule.TimeCapsule, error) {
	tc, err := o.capsules.GetByID(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, errors.ErrCapsuleNotFound
	}
	return tc, nil
}
