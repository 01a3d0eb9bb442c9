package privacy

import (
	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// DefaultKMin is the default minimum cohort size for k-anonymity.
const DefaultKMin = 50

// CohortPolicy decides whether a query's result cohort is large enough
// to release. Ties allow: a cohort exactly at KMin passes.
type CohortPolicy struct {
	KMin int
}

// NewCohortPolicy creates a cohort policy, falling back to the default
// threshold when kMin is not positive.
func NewCohortPolicy(kMin int) CohortPolicy {
	if kMin <= 0 {
		kMin = DefaultKMin
	}
	return CohortPolicy{KMin: kMin}
}

// Check returns nil when the cohort size meets the threshold, and
// ErrCohortTooSmall otherwise. A negative size is a validation error,
// not an allow. The error never carries the measured size: callers
// may learn pass or fail, nothing finer.
func (p CohortPolicy) Check(cohortSize int) error {
	if cohortSize < 0 {
		return errors.NewValidationError("INVALID_COHORT_SIZE",
			"cohort size cannot be negative")
	}
	if cohortSize < p.KMin {
		return errors.ErrCohortTooSmall
	}
	return nil
}

// Allows is the boolean form of Check
func (p CohortPolicy) Allows(cohortSize int) bool {
	return p.Check(cohortSize) == nil
}
