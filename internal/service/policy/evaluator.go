package policy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/metrics"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	privacysvc "github.com/yachaq/privacy-core/internal/service/privacy"
)

type evaluator struct {
	consent consentsvc.Service
	privacy privacysvc.Governor
	cohorts CohortEstimator
	costs   privacy.CostModel
	auditor auditsvc.Service
	logger  *zap.Logger
}

var _ Evaluator = (*evaluator)(nil)

// NewEvaluator creates the policy evaluator
func NewEvaluator(consent consentsvc.Service, governor privacysvc.Governor, cohorts CohortEstimator, costs privacy.CostModel, auditor auditsvc.Service, logger *zap.Logger) Evaluator {
	return &evaluator{
		consent: consent,
		privacy: governor,
		cohorts: cohorts,
		costs:   costs,
		auditor: auditor,
		logger:  logger,
	}
}

// Evaluate runs the full gate pipeline: consent and scope, cohort
// estimation, cohort floor, linkage, risk signals, then budget
// consumption. The budget is consumed last so a query denied earlier
// in the pipeline costs nothing. Every outcome is chained as a
// policy.decision receipt before it is returned.
func (e *evaluator) Evaluate(ctx context.Context, req EvaluateRequest) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked",
				zap.String("query_id", req.QueryID.String()),
				zap.Any("panic", r))
			decision = e.chain(ctx, req, deny(req, ReasonDenyPanic, "evaluation panicked"))
		}
	}()

	decision = e.chain(ctx, req, e.pipeline(ctx, req))
	return decision
}

func (e *evaluator) pipeline(ctx context.Context, req EvaluateRequest) Decision {
	if err := ctx.Err(); err != nil {
		return deny(req, ReasonDenyTimeout, err.Error())
	}

	if err := e.consent.EvaluateAccess(ctx, req.ContractID, req.FieldScope); err != nil {
		if domainerrors.Code(err) == "SCOPE_VIOLATION" {
			return deny(req, ReasonDenyScope, err.Error())
		}
		if domainerrors.IsType(err, domainerrors.ErrorTypeConsent) ||
			domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
			return deny(req, ReasonDenyConsent, err.Error())
		}
		return e.denyForError(req, err)
	}

	if err := ctx.Err(); err != nil {
		return deny(req, ReasonDenyTimeout, err.Error())
	}

	cohortSize, err := e.cohorts.EstimateCohort(ctx, req.ContractID, req.FieldScope)
	if err != nil {
		return e.denyForError(req, err)
	}

	if err := e.privacy.CheckCohort(ctx, cohortSize); err != nil {
		if domainerrors.Code(err) == "COHORT_TOO_SMALL" {
			return deny(req, ReasonDenyCohort, err.Error())
		}
		return e.denyForError(req, err)
	}

	if _, err := e.privacy.CheckLinkage(ctx, req.RequesterID, req.FieldScope); err != nil {
		if domainerrors.Code(err) == "LINKAGE_RISK" {
			return deny(req, ReasonDenyLinkage, err.Error())
		}
		return e.denyForError(req, err)
	}

	// external signals tighten only
	for _, signal := range req.RiskSignals {
		if signal.Deny {
			return deny(req, ReasonDenyRisk, signal.Source+": "+signal.Reason)
		}
	}

	if err := ctx.Err(); err != nil {
		return deny(req, ReasonDenyTimeout, err.Error())
	}

	cost, err := e.costs.Cost(req.Transforms, req.Export, cohortSize)
	if err != nil {
		return e.denyForError(req, err)
	}

	if _, err := e.privacy.ConsumeBudget(ctx, req.BudgetID, req.QueryID, cost); err != nil {
		switch domainerrors.Code(err) {
		case "BUDGET_EXHAUSTED", "BUDGET_NOT_LOCKED":
			return deny(req, ReasonDenyBudget, err.Error())
		}
		if domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
			return deny(req, ReasonDenyBudget, err.Error())
		}
		return e.denyForError(req, err)
	}

	return Decision{
		QueryID:     req.QueryID,
		Allowed:     true,
		Reason:      ReasonAllow,
		EvaluatedAt: time.Now().UTC(),
	}
}

// chain appends the policy.decision receipt. An allow that cannot be
// chained is downgraded to DENY_ERROR: no query runs without its
// decision on the chain.
func (e *evaluator) chain(ctx context.Context, req EvaluateRequest, d Decision) Decision {
	receipt, err := e.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventPolicyDecision,
		ActorID:      req.RequesterID.String(),
		ActorType:    "requester",
		ResourceID:   req.QueryID.String(),
		ResourceType: "query",
		Details: map[string]interface{}{
			"allowed":     d.Allowed,
			"reason":      d.Reason,
			"contract_id": req.ContractID.String(),
			"budget_id":   req.BudgetID.String(),
		},
		IdempotencyKey: "policy:decision:" + req.QueryID.String(),
	})
	if err != nil {
		e.logger.Error("failed to chain policy decision",
			zap.String("query_id", req.QueryID.String()),
			zap.String("reason", d.Reason), zap.Error(err))
		if d.Allowed {
			return deny(req, ReasonDenyError, "decision receipt could not be chained")
		}
		return d
	}
	if receipt != nil {
		id := receipt.ID
		d.ReceiptID = &id
	}
	metrics.PolicyDecisions.WithLabelValues(d.Reason).Inc()
	return d
}

func (e *evaluator) denyForError(req EvaluateRequest, err error) Decision {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return deny(req, ReasonDenyTimeout, err.Error())
	}
	e.logger.Warn("policy evaluation failed closed",
		zap.String("query_id", req.QueryID.String()), zap.Error(err))
	return deny(req, ReasonDenyError, err.Error())
}

func deny(req EvaluateRequest, reason, detail string) Decision {
	return Decision{
		QueryID:     req.QueryID,
		Allowed:     false,
		Reason:      reason,
		Detail:      detail,
		EvaluatedAt: time.Now().UTC(),
	}
}
