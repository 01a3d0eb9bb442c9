package query

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// DeviceRef identifies one enrolled device in the exchange directory
type DeviceRef struct {
	ID      uuid.UUID `json:"id"`
	Address string    `json:"address"`
}

// DeviceCriteria selects the devices a query may reach: those enrolled
// under the contract whose data covers the requested fields.
type DeviceCriteria struct {
	ContractID  uuid.UUID          `json:"contract_id"`
	FieldScope  privacy.FieldScope `json:"field_scope"`
	PurposeHash values.HashValue   `json:"purpose_hash"`
}

// DeviceResponse is one device's answer to a dispatched plan
type DeviceResponse struct {
	DeviceID   uuid.UUID `json:"device_id"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeviceDirectory is the exchange-side device registry. It both
// resolves eligible devices for a query and estimates how many
// distinct subjects a scope would draw from.
type DeviceDirectory interface {
	EligibleDevices(ctx context.Context, criteria DeviceCriteria) ([]DeviceRef, error)
	EstimateCohort(ctx context.Context, criteria DeviceCriteria) (int, error)
}

// DeviceQuerier runs one signed plan against one device. The call must
// honor ctx cancellation; the collector enforces the overall deadline.
type DeviceQuerier interface {
	Query(ctx context.Context, ref DeviceRef, plan PlanEnvelope) (*DeviceResponse, error)
}

// PlanEnvelope is the signed plan material a device needs to verify
// and answer a query.
type PlanEnvelope struct {
	PlanID      uuid.UUID          `json:"plan_id"`
	ContractID  uuid.UUID          `json:"contract_id"`
	FieldScope  privacy.FieldScope `json:"field_scope"`
	PurposeHash values.HashValue   `json:"purpose_hash"`
	Signature   values.Signature   `json:"signature"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// LedgerEntry is one double-entry posting against the financial ledger
type LedgerEntry struct {
	Debit          string            `json:"debit"`
	Credit         string            `json:"credit"`
	Amount         values.RiskAmount `json:"amount"`
	Unit           string            `json:"unit"`
	Reference      string            `json:"reference"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// SettlementLedger posts compensation entries after verified delivery.
// PostEntry must be idempotent on the entry's key.
type SettlementLedger interface {
	PostEntry(ctx context.Context, entry LedgerEntry) error
}
