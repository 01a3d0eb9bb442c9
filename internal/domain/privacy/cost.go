package privacy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// TransformType classifies what a query does with the fields it reads.
// Export-class transforms move data out of the enclave boundary and
// cost orders of magnitude more than derived metrics.
type TransformType string

const (
	TransformDerivedMetric TransformType = "derived_metric"
	TransformAggregate     TransformType = "aggregate"
	TransformExport        TransformType = "export"
)

// IsValid reports whether t is a known transform type
func (t TransformType) IsValid() bool {
	switch t {
	case TransformDerivedMetric, TransformAggregate, TransformExport:
		return true
	}
	return false
}

// Sensitivity grades the data a transform touches
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityStandard Sensitivity = "standard"
	SensitivityHigh     Sensitivity = "high"
)

// IsValid reports whether s is a known sensitivity grade
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityStandard, SensitivityHigh:
		return true
	}
	return false
}

// ExportMode describes how results leave the pipeline
type ExportMode string

const (
	ExportNone      ExportMode = "none"
	ExportAggregate ExportMode = "aggregate"
	ExportRaw       ExportMode = "raw"
)

// IsValid reports whether m is a known export mode
func (m ExportMode) IsValid() bool {
	switch m {
	case ExportNone, ExportAggregate, ExportRaw:
		return true
	}
	return false
}

// TransformSpec is one transform a query plan declares
type TransformSpec struct {
	Type        TransformType `json:"type"`
	Sensitivity Sensitivity   `json:"sensitivity"`
}

// Canonical returns the colon-joined form used in signed plan payloads
func (t TransformSpec) Canonical() string {
	return string(t.Type) + ":" + string(t.Sensitivity)
}

// TransformsCanonical joins transform specs for the signed plan
// payload. Order is preserved: the signature covers the declared
// sequence, not a normalized set.
func TransformsCanonical(specs []TransformSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.Canonical()
	}
	return strings.Join(parts, ";")
}

// Risk cost tables. Costs are exact decimals so repeated consumption
// never drifts. The export base sits two orders of magnitude above
// derived metrics.
var (
	transformBaseCost = map[TransformType]decimal.Decimal{
		TransformDerivedMetric: decimal.RequireFromString("0.1"),
		TransformAggregate:     decimal.RequireFromString("0.5"),
		TransformExport:        decimal.RequireFromString("100"),
	}

	sensitivityFactor = map[Sensitivity]decimal.Decimal{
		SensitivityLow:      decimal.RequireFromString("1"),
		SensitivityStandard: decimal.RequireFromString("2"),
		SensitivityHigh:     decimal.RequireFromString("5"),
	}

	exportModeFactor = map[ExportMode]decimal.Decimal{
		ExportNone:      decimal.RequireFromString("1"),
		ExportAggregate: decimal.RequireFromString("2"),
		ExportRaw:       decimal.RequireFromString("10"),
	}

	smallCohortSurcharge = decimal.RequireFromString("2")
)

// CostModel prices a query against the privacy budget. The price is
// table-driven over transform type, data sensitivity, export mode and
// cohort size: cohorts under twice the anonymity floor carry a
// surcharge because smaller crowds re-identify more easily.
type CostModel struct {
	KMin int
}

// NewCostModel creates a cost model, falling back to the default
// anonymity floor when kMin is not positive.
func NewCostModel(kMin int) CostModel {
	if kMin <= 0 {
		kMin = DefaultKMin
	}
	return CostModel{KMin: kMin}
}

// Cost prices a transform list for a given cohort size. Unknown
// transform types, sensitivities or export modes are validation
// errors, never a zero price.
func (m CostModel) Cost(transforms []TransformSpec, export ExportMode, cohortSize int) (values.RiskAmount, error) {
	if len(transforms) == 0 {
		return values.RiskAmount{}, errors.NewValidationError("MISSING_TRANSFORMS",
			"at least one transform is required to price a query")
	}
	if !export.IsValid() {
		return values.RiskAmount{}, errors.NewValidationError("INVALID_EXPORT_MODE",
			fmt.Sprintf("unknown export mode %q", export))
	}

	total := decimal.Zero
	for _, t := range transforms {
		base, ok := transformBaseCost[t.Type]
		if !ok {
			return values.RiskAmount{}, errors.NewValidationError("INVALID_TRANSFORM",
				fmt.Sprintf("unknown transform type %q", t.Type))
		}
		factor, ok := sensitivityFactor[t.Sensitivity]
		if !ok {
			return values.RiskAmount{}, errors.NewValidationError("INVALID_SENSITIVITY",
				fmt.Sprintf("unknown sensitivity %q", t.Sensitivity))
		}
		total = total.Add(base.Mul(factor))
	}

	total = total.Mul(exportModeFactor[export])
	if cohortSize < 2*m.KMin {
		total = total.Mul(smallCohortSurcharge)
	}

	return values.NewRiskAmount(total)
}

// Quote prices a transform list before any cohort estimate exists,
// assuming the worst cohort band. The quoted amount is an upper bound
// on what Cost can later charge.
func (m CostModel) Quote(transforms []TransformSpec, export ExportMode) (values.RiskAmount, error) {
	return m.Cost(transforms, export, 0)
}
