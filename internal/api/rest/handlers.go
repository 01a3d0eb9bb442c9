package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/capsule"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	"github.com/yachaq/privacy-core/internal/service/policy"
	privacysvc "github.com/yachaq/privacy-core/internal/service/privacy"
	querysvc "github.com/yachaq/privacy-core/internal/service/query"
)

// Services bundles the service layer the handlers delegate to
type Services struct {
	Consent consentsvc.Service
	Privacy privacysvc.Governor
	Query   querysvc.Service
	Audit   auditsvc.Service
}

// Handler serves the HTTP API
type Handler struct {
	services *Services
	validate *validator.Validate
}

// NewHandler creates the API handler
func NewHandler(services *Services) *Handler {
	return &Handler{
		services: services,
		validate: validator.New(),
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, domainerrors.NewValidationError("INVALID_ID",
			"path ID must be a UUID").WithCause(err)
	}
	return id, nil
}

// Consent

func (h *Handler) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	var req consentsvc.GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	contract, err := h.services.Consent.Grant(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

type revokeConsentRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

func (h *Handler) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req revokeConsentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	contract, err := h.services.Consent.Revoke(r.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (h *Handler) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	contract, err := h.services.Consent.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

type consentStatusResponse struct {
	ContractID uuid.UUID `json:"contract_id"`
	Active     bool      `json:"active"`
}

func (h *Handler) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	active, err := h.services.Consent.CheckActive(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consentStatusResponse{ContractID: id, Active: active})
}

func (h *Handler) handleActiveConsent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	subjectID, err := uuid.Parse(q.Get("subject_id"))
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_SUBJECT_ID",
			"subject_id must be a UUID"))
		return
	}
	requesterID, err := uuid.Parse(q.Get("requester_id"))
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_REQUESTER_ID",
			"requester_id must be a UUID"))
		return
	}
	purposeHash, err := values.NewHashValue(q.Get("purpose_hash"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	contract, err := h.services.Consent.ActiveContract(r.Context(), subjectID, requesterID, purposeHash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

// handleListContracts returns every contract the subject has granted,
// current and past. Subjects audit their own grants with this.
func (h *Handler) handleListContracts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	contracts, err := h.services.Consent.ListBySubject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": id,
		"contracts":  contracts,
	})
}

// Privacy budgets

type allocateBudgetRequest struct {
	SubjectID   uuid.UUID         `json:"subject_id" validate:"required"`
	PurposeHash values.HashValue  `json:"purpose_hash"`
	Allocation  values.RiskAmount `json:"allocation"`
}

func (h *Handler) handleAllocateBudget(w http.ResponseWriter, r *http.Request) {
	var req allocateBudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	budget, err := h.services.Privacy.AllocateBudget(r.Context(), req.SubjectID, req.PurposeHash, req.Allocation)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, budget)
}

func (h *Handler) handleLockBudget(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	budget, err := h.services.Privacy.LockBudget(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (h *Handler) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	budget, err := h.services.Privacy.GetBudget(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

// Query plans and capsules

func (h *Handler) handlePreparePlan(w http.ResponseWriter, r *http.Request) {
	var req querysvc.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	plan, err := h.services.Query.PreparePlan(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

type dispatchPlanRequest struct {
	BudgetID    uuid.UUID           `json:"budget_id" validate:"required"`
	RiskSignals []policy.RiskSignal `json:"risk_signals,omitempty"`
}

func (h *Handler) handleDispatchPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req dispatchPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	result, err := h.services.Query.Dispatch(r.Context(), querysvc.DispatchRequest{
		PlanID:      id,
		BudgetID:    req.BudgetID,
		RiskSignals: req.RiskSignals,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// a denied dispatch is a valid outcome, not a transport error
	status := http.StatusOK
	if !result.Decision.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, result)
}

type executePlanRequest struct {
	KeyID   string            `json:"key_id" validate:"required"`
	TTL     values.CapsuleTTL `json:"ttl"`
	Timeout time.Duration     `json:"timeout"`
}

type executePlanResponse struct {
	Capsule    *capsule.TimeCapsule       `json:"capsule"`
	Collection *querysvc.CollectionResult `json:"collection"`
}

// handleExecutePlan collects device responses for a dispatched plan
// and seals them into a capsule. Collection runs server side so the
// requester never chooses which devices answer.
func (h *Handler) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req executePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, domainerrors.NewValidationError("VALIDATION_FAILED", err.Error()))
		return
	}

	collection, err := h.services.Query.CollectResponses(r.Context(), id, req.Timeout)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tc, err := h.services.Query.CompleteWithCapsule(r.Context(), id, collection, req.KeyID, req.TTL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, executePlanResponse{Capsule: tc, Collection: collection})
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	plan, err := h.services.Query.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleDeliverCapsule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tc, err := h.services.Query.DeliverCapsule(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (h *Handler) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tc, err := h.services.Query.GetCapsule(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

type capsulePayloadResponse struct {
	CapsuleID uuid.UUID `json:"capsule_id"`
	Payload   []byte    `json:"payload"`
}

func (h *Handler) handleAccessCapsule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	nonce, err := values.ParseNonce(r.URL.Query().Get("nonce"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	payload, err := h.services.Query.AccessCapsule(r.Context(), id, nonce)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, capsulePayloadResponse{CapsuleID: id, Payload: payload})
}

// Audit

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := h.services.Audit.GetReceipt(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type receiptProofResponse struct {
	ReceiptID uuid.UUID `json:"receipt_id"`
	Proof     string    `json:"proof"`
}

func (h *Handler) handleProveReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	proof, err := h.services.Audit.Prove(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptProofResponse{ReceiptID: id, Proof: proof})
}

func (h *Handler) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_RANGE",
			"from must be a positive integer"))
		return
	}
	to, err := strconv.ParseUint(q.Get("to"), 10, 64)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_RANGE",
			"to must be a positive integer"))
		return
	}

	receipts, err := h.services.Audit.ListReceipts(r.Context(), q.Get("shard"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":     from,
		"to":       to,
		"receipts": receipts,
	})
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_RANGE",
			"from must be a positive integer"))
		return
	}
	to, err := strconv.ParseUint(q.Get("to"), 10, 64)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_RANGE",
			"to must be a positive integer"))
		return
	}

	result, err := h.services.Audit.VerifyRange(r.Context(), q.Get("shard"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
