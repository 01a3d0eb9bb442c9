package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/capsule"
	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/service/policy"
)

var testSigningKey = []byte("test-plan-signing-key-0123456789")

type queryFixture struct {
	svc       Service
	plans     *memPlanRepo
	capsules  *memCapsuleRepo
	nonces    *memNonceRegistry
	evaluator *stubEvaluator
	auditor   *fakeAuditor
	consent   *stubConsent
	directory *stubDirectory
	querier   *stubQuerier
	ledger    *recordingLedger
	contract  *consent.Contract
	devices   []DeviceRef
}

func testContract(t *testing.T) *consent.Contract {
	t.Helper()

	purpose, err := values.ComputeHashValueFromString("research.sleep")
	require.NoError(t, err)

	c, err := consent.NewContract(uuid.New(), uuid.New(),
		privacy.NewFieldScope([]string{"steps", "heart_rate", "sleep"}),
		purpose, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour),
		consent.Compensation{Amount: values.MustNewRiskAmountFromString("5"), Unit: "credits"},
		nil)
	require.NoError(t, err)
	return c
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()

	contract := testContract(t)
	devices := []DeviceRef{
		{ID: uuid.New(), Address: "device-a.local"},
		{ID: uuid.New(), Address: "device-b.local"},
		{ID: uuid.New(), Address: "device-c.local"},
	}

	f := &queryFixture{
		plans:     newMemPlanRepo(),
		capsules:  newMemCapsuleRepo(),
		nonces:    newMemNonceRegistry(),
		evaluator: &stubEvaluator{},
		auditor:   newFakeAuditor(),
		consent:   &stubConsent{contract: contract},
		directory: &stubDirectory{devices: devices, cohort: 200},
		querier:   newStubQuerier(),
		ledger:    newRecordingLedger(),
		contract:  contract,
		devices:   devices,
	}
	f.svc = NewService(f.deps(), Config{
		SigningKey:        testSigningKey,
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		CollectTimeout:    time.Second,
		CostModel:         privacy.NewCostModel(50),
	}, zap.NewNop())
	return f
}

func (f *queryFixture) deps() Deps {
	return Deps{
		Plans:     f.plans,
		Capsules:  f.capsules,
		Nonces:    f.nonces,
		Guard:     passGuard{},
		Evaluator: f.evaluator,
		Auditor:   f.auditor,
		Consent:   f.consent,
		Devices:   f.directory,
		Querier:   f.querier,
		Ledger:    f.ledger,
	}
}

func (f *queryFixture) prepareRequest(t *testing.T) PrepareRequest {
	t.Helper()

	purpose, err := values.ComputeHashValueFromString("research.sleep")
	require.NoError(t, err)

	return PrepareRequest{
		RequestID:   uuid.New(),
		ContractID:  f.contract.ID,
		RequesterID: f.contract.RequesterID,
		Fields:      []string{"steps", "heart_rate"},
		PurposeHash: purpose,
		Transforms:  []privacy.TransformSpec{{Type: privacy.TransformAggregate, Sensitivity: privacy.SensitivityStandard}},
		Export:      privacy.ExportNone,
		Validity:    10 * time.Minute,
	}
}

func TestPreparePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("signs the plan and registers its nonce", func(t *testing.T) {
		f := newQueryFixture(t)

		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)
		assert.Equal(t, capsule.PlanStatusSigned, plan.Status)
		require.NoError(t, plan.VerifySignature(testSigningKey))

		rec, err := f.nonces.Get(ctx, plan.Nonce)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, capsule.NonceStatusActive, rec.Status)

		assert.Equal(t, 1, f.auditor.count(audit.EventQuerySigned))
	})

	t.Run("cost estimate is the server-side quote", func(t *testing.T) {
		f := newQueryFixture(t)

		req := f.prepareRequest(t)
		plan, err := f.svc.PreparePlan(ctx, req)
		require.NoError(t, err)

		quote, err := privacy.NewCostModel(50).Quote(req.Transforms, req.Export)
		require.NoError(t, err)
		assert.Equal(t, quote.String(), plan.CostEstimate.String())
	})

	t.Run("unknown transform is rejected", func(t *testing.T) {
		f := newQueryFixture(t)

		req := f.prepareRequest(t)
		req.Transforms = []privacy.TransformSpec{{Type: "join", Sensitivity: privacy.SensitivityStandard}}
		_, err := f.svc.PreparePlan(ctx, req)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("rate limits a bursting requester", func(t *testing.T) {
		f := newQueryFixture(t)
		limited := NewService(f.deps(), Config{
			SigningKey:        testSigningKey,
			RequestsPerSecond: 1,
			BurstSize:         2,
		}, zap.NewNop())

		req := f.prepareRequest(t)
		var rateLimited bool
		for i := 0; i < 5; i++ {
			r := req
			r.RequestID = uuid.New()
			if _, err := limited.PreparePlan(ctx, r); err != nil {
				assert.Equal(t, "RATE_LIMIT_EXCEEDED", errors.Code(err))
				rateLimited = true
				break
			}
		}
		assert.True(t, rateLimited)
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("allowed plan is dispatched and audited", func(t *testing.T) {
		f := newQueryFixture(t)
		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		result, err := f.svc.Dispatch(ctx, DispatchRequest{
			PlanID:   plan.ID,
			BudgetID: uuid.New(),
		})
		require.NoError(t, err)
		assert.True(t, result.Decision.Allowed)
		assert.Equal(t, capsule.PlanStatusDispatched, result.Plan.Status)
		assert.Equal(t, 1, f.auditor.count(audit.EventQueryDispatched))

		// the evaluator saw the plan's own facts, not caller claims
		require.Len(t, f.evaluator.evaluated, 1)
		assert.Equal(t, plan.ID, f.evaluator.evaluated[0].QueryID)
		assert.Equal(t, plan.ContractID, f.evaluator.evaluated[0].ContractID)
		assert.Equal(t, plan.Transforms, f.evaluator.evaluated[0].Transforms)
		assert.Equal(t, plan.Export, f.evaluator.evaluated[0].Export)
	})

	t.Run("second dispatch is a replay and gets audited", func(t *testing.T) {
		f := newQueryFixture(t)
		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		_, err = f.svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		require.NoError(t, err)

		_, err = f.svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		require.Error(t, err)
		assert.Equal(t, "NONCE_REUSED", errors.Code(err))
		assert.Equal(t, 1, f.auditor.count(audit.EventNonceReplay))
	})

	t.Run("fast guard rejection is also a replay", func(t *testing.T) {
		f := newQueryFixture(t)
		deps := f.deps()
		deps.Guard = denyGuard{}
		svc := NewService(deps, Config{SigningKey: testSigningKey}, zap.NewNop())

		plan, err := svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		_, err = svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		assert.Equal(t, "NONCE_REUSED", errors.Code(err))
	})

	t.Run("denied plan is rejected without dispatch", func(t *testing.T) {
		f := newQueryFixture(t)
		f.evaluator.reason = policy.ReasonDenyBudget

		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		result, err := f.svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		require.NoError(t, err)
		assert.False(t, result.Decision.Allowed)
		assert.Equal(t, capsule.PlanStatusRejected, result.Plan.Status)
		assert.Zero(t, f.auditor.count(audit.EventQueryDispatched))
	})

	t.Run("tampered plan fails signature verification", func(t *testing.T) {
		f := newQueryFixture(t)
		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		// alter the stored plan's cost after signing
		stored, err := f.plans.GetByID(ctx, plan.ID)
		require.NoError(t, err)
		stored.CostEstimate = values.MustNewRiskAmountFromString("9999")
		require.NoError(t, f.plans.Update(ctx, stored))

		_, err = f.svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		assert.Equal(t, "PLAN_SIGNATURE_INVALID", errors.Code(err))
	})

	t.Run("expired plan cannot dispatch", func(t *testing.T) {
		f := newQueryFixture(t)

		req := f.prepareRequest(t)
		req.Validity = time.Millisecond
		plan, err := f.svc.PreparePlan(ctx, req)
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		_, err = f.svc.Dispatch(ctx, DispatchRequest{PlanID: plan.ID, BudgetID: uuid.New()})
		require.Error(t, err)
		assert.Equal(t, "PLAN_EXPIRED", errors.Code(err))

		stored, err := f.plans.GetByID(ctx, plan.ID)
		require.NoError(t, err)
		assert.Equal(t, capsule.PlanStatusExpired, stored.Status)
	})
}

func dispatchPlan(t *testing.T, f *queryFixture) *capsule.QueryPlan {
	t.Helper()

	ctx := context.Background()
	plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
	require.NoError(t, err)

	result, err := f.svc.Dispatch(ctx, DispatchRequest{
		PlanID: plan.ID, BudgetID: uuid.New(),
	})
	require.NoError(t, err)
	require.True(t, result.Decision.Allowed)
	return result.Plan
}

func (f *queryFixture) collect(t *testing.T, planID uuid.UUID) *CollectionResult {
	t.Helper()

	collection, err := f.svc.CollectResponses(context.Background(), planID, time.Second)
	require.NoError(t, err)
	return collection
}

func TestCollectResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("collects from every consenting device", func(t *testing.T) {
		f := newQueryFixture(t)
		plan := dispatchPlan(t, f)

		collection, err := f.svc.CollectResponses(ctx, plan.ID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, plan.ID, collection.QueryID)
		assert.Len(t, collection.Responses, 3)
		assert.Empty(t, collection.Unreachable)
		assert.False(t, collection.Partial)
		assert.Equal(t, 1, f.auditor.count(audit.EventQueryCollected))
	})

	t.Run("a device the subject denied is never queried", func(t *testing.T) {
		f := newQueryFixture(t)
		denied := f.devices[1].ID
		f.contract.Directives = []consent.Directive{
			{DeviceID: &denied, Level: consent.LevelDeny},
		}

		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		assert.Len(t, collection.Responses, 2)
		assert.NotContains(t, f.querier.queriedIDs(), denied)
	})

	t.Run("a restricting directive that no longer covers the query excludes the device", func(t *testing.T) {
		f := newQueryFixture(t)
		restricted := f.devices[2].ID
		f.contract.Directives = []consent.Directive{
			{
				DeviceID: &restricted,
				Level:    consent.LevelRestrictScope,
				Scope:    privacy.NewFieldScope([]string{"steps"}),
			},
		}

		// the plan needs steps and heart_rate; the restricted device
		// only permits steps, so the narrower grant wins and excludes it
		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		assert.Len(t, collection.Responses, 2)
		assert.NotContains(t, f.querier.queriedIDs(), restricted)
	})

	t.Run("a device past the deadline makes the result partial", func(t *testing.T) {
		f := newQueryFixture(t)
		slow := f.devices[0].ID
		f.querier.delay[slow] = 500 * time.Millisecond

		plan := dispatchPlan(t, f)
		collection, err := f.svc.CollectResponses(ctx, plan.ID, 30*time.Millisecond)
		require.NoError(t, err)

		assert.True(t, collection.Partial)
		assert.Contains(t, collection.Unreachable, slow)
		assert.Len(t, collection.Responses, 2)
	})

	t.Run("a failing device is unreachable, not fatal", func(t *testing.T) {
		f := newQueryFixture(t)
		broken := f.devices[1].ID
		f.querier.fail[broken] = errors.NewInternalError("device offline")

		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		assert.True(t, collection.Partial)
		assert.Contains(t, collection.Unreachable, broken)
		assert.Len(t, collection.Responses, 2)
	})

	t.Run("requires a dispatched plan", func(t *testing.T) {
		f := newQueryFixture(t)
		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		_, err = f.svc.CollectResponses(ctx, plan.ID, time.Second)
		assert.Equal(t, "PLAN_NOT_DISPATCHED", errors.Code(err))
	})
}

func TestCompleteWithCapsule(t *testing.T) {
	ctx := context.Background()

	t.Run("seals the collection into a TTL-bound capsule", func(t *testing.T) {
		f := newQueryFixture(t)
		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		tc, err := f.svc.CompleteWithCapsule(ctx, plan.ID, collection,
			"kms-key-1", values.MustNewCapsuleTTL(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, capsule.CapsuleStatusCreated, tc.Status)
		assert.WithinDuration(t, time.Now().Add(time.Hour), tc.ExpiresAt, time.Minute)

		stored, err := f.plans.GetByID(ctx, plan.ID)
		require.NoError(t, err)
		assert.Equal(t, capsule.PlanStatusExecuted, stored.Status)

		assert.Equal(t, 1, f.auditor.count(audit.EventCapsuleCreated))

		// payment waits for verified delivery
		assert.Zero(t, f.auditor.count(audit.EventSettlementDue))
		assert.Empty(t, f.ledger.posted())
	})

	t.Run("revocation between dispatch and completion aborts the capsule", func(t *testing.T) {
		f := newQueryFixture(t)
		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		_, err := f.consent.Revoke(ctx, plan.ContractID, "subject", "changed my mind")
		require.NoError(t, err)

		_, err = f.svc.CompleteWithCapsule(ctx, plan.ID, collection,
			"kms-key-1", values.MustNewCapsuleTTL(time.Hour))
		require.Error(t, err)
		assert.Equal(t, "CONSENT_REVOKED", errors.Code(err))

		// no capsule, no state change, no receipt
		stored, err := f.plans.GetByID(ctx, plan.ID)
		require.NoError(t, err)
		assert.Equal(t, capsule.PlanStatusDispatched, stored.Status)
		assert.Zero(t, f.auditor.count(audit.EventCapsuleCreated))
	})

	t.Run("requires a collection result", func(t *testing.T) {
		f := newQueryFixture(t)
		plan := dispatchPlan(t, f)

		_, err := f.svc.CompleteWithCapsule(ctx, plan.ID, nil,
			"kms-key-1", values.MustNewCapsuleTTL(time.Hour))
		assert.Equal(t, "MISSING_COLLECTION", errors.Code(err))
	})

	t.Run("requires a dispatched plan", func(t *testing.T) {
		f := newQueryFixture(t)
		plan, err := f.svc.PreparePlan(ctx, f.prepareRequest(t))
		require.NoError(t, err)

		_, err = f.svc.CompleteWithCapsule(ctx, plan.ID, &CollectionResult{QueryID: plan.ID},
			"kms-key-1", values.MustNewCapsuleTTL(time.Hour))
		require.Error(t, err)
	})
}

func createCapsule(t *testing.T, f *queryFixture) *capsule.TimeCapsule {
	t.Helper()

	plan := dispatchPlan(t, f)
	collection := f.collect(t, plan.ID)
	tc, err := f.svc.CompleteWithCapsule(context.Background(), plan.ID, collection,
		"kms-key-1", values.MustNewCapsuleTTL(time.Hour))
	require.NoError(t, err)
	return tc
}

func TestDeliverCapsule(t *testing.T) {
	ctx := context.Background()

	t.Run("delivery posts the subject's compensation", func(t *testing.T) {
		f := newQueryFixture(t)
		tc := createCapsule(t, f)

		delivered, err := f.svc.DeliverCapsule(ctx, tc.ID)
		require.NoError(t, err)
		assert.Equal(t, capsule.CapsuleStatusDelivered, delivered.Status)
		assert.Equal(t, 1, f.auditor.count(audit.EventCapsuleDelivered))
		assert.Equal(t, 1, f.auditor.count(audit.EventSettlementDue))

		entries := f.ledger.posted()
		require.Len(t, entries, 1)
		assert.Equal(t, "requester:"+f.contract.RequesterID.String(), entries[0].Debit)
		assert.Equal(t, "subject:"+f.contract.SubjectID.String(), entries[0].Credit)
		assert.Equal(t, f.contract.Compensation.Amount.String(), entries[0].Amount.String())
		assert.Equal(t, "credits", entries[0].Unit)
		assert.Equal(t, tc.ID.String(), entries[0].Reference)
	})

	t.Run("redelivery cannot double-pay", func(t *testing.T) {
		f := newQueryFixture(t)
		tc := createCapsule(t, f)

		_, err := f.svc.DeliverCapsule(ctx, tc.ID)
		require.NoError(t, err)

		_, err = f.svc.DeliverCapsule(ctx, tc.ID)
		require.Error(t, err)
		assert.Len(t, f.ledger.posted(), 1)
		assert.Equal(t, 1, f.auditor.count(audit.EventSettlementDue))
	})

	t.Run("ledger failure fails the delivery", func(t *testing.T) {
		f := newQueryFixture(t)
		tc := createCapsule(t, f)
		f.ledger.failErr = errors.NewInternalError("ledger unavailable")

		_, err := f.svc.DeliverCapsule(ctx, tc.ID)
		require.Error(t, err)
		assert.Zero(t, f.auditor.count(audit.EventSettlementDue))
	})
}

func TestAccessCapsule(t *testing.T) {
	ctx := context.Background()

	t.Run("serves the payload once for the capsule nonce", func(t *testing.T) {
		f := newQueryFixture(t)
		tc := createCapsule(t, f)

		_, err := f.svc.DeliverCapsule(ctx, tc.ID)
		require.NoError(t, err)

		payload, err := f.svc.AccessCapsule(ctx, tc.ID, tc.Nonce)
		require.NoError(t, err)

		var collection CollectionResult
		require.NoError(t, json.Unmarshal(payload, &collection))
		assert.Len(t, collection.Responses, 3)

		// the nonce burned on first access; a second read is a replay
		_, err = f.svc.AccessCapsule(ctx, tc.ID, tc.Nonce)
		require.Error(t, err)
		assert.Equal(t, "NONCE_REUSED", errors.Code(err))
		assert.Equal(t, 1, f.auditor.count(audit.EventNonceReplay))
	})

	t.Run("missing or mismatched nonce is forbidden", func(t *testing.T) {
		f := newQueryFixture(t)
		tc := createCapsule(t, f)

		_, err := f.svc.AccessCapsule(ctx, tc.ID, values.Nonce{})
		assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

		other, err := values.GenerateNonce()
		require.NoError(t, err)
		_, err = f.svc.AccessCapsule(ctx, tc.ID, other)
		assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
	})

	t.Run("access past the TTL is denied even before the sweep", func(t *testing.T) {
		f := newQueryFixture(t)
		plan := dispatchPlan(t, f)
		collection := f.collect(t, plan.ID)

		tc, err := f.svc.CompleteWithCapsule(ctx, plan.ID, collection,
			"kms-key-1", values.MustNewCapsuleTTL(time.Millisecond))
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		_, err = f.svc.AccessCapsule(ctx, tc.ID, tc.Nonce)
		assert.Equal(t, "CAPSULE_EXPIRED", errors.Code(err))
	})

	t.Run("unknown capsule is not found", func(t *testing.T) {
		f := newQueryFixture(t)

		nonce, err := values.GenerateNonce()
		require.NoError(t, err)
		_, err = f.svc.AccessCapsule(ctx, uuid.New(), nonce)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}
