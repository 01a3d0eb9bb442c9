package privacy

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

func newLockedBudget(t *testing.T, allocation string) *Budget {
	t.Helper()

	b, err := NewBudget(uuid.New(),
		values.MustComputeHashValue([]byte("purpose:research")),
		values.MustNewRiskAmountFromString(allocation))
	require.NoError(t, err)
	require.NoError(t, b.Lock())
	return b
}

func TestBudgetLifecycle(t *testing.T) {
	t.Run("starts draft", func(t *testing.T) {
		b, err := NewBudget(uuid.New(),
			values.MustComputeHashValue([]byte("purpose")),
			values.MustNewRiskAmountFromString("100"))
		require.NoError(t, err)
		assert.Equal(t, BudgetStatusDraft, b.Status)
		assert.Equal(t, "100", b.Remaining().String())
	})

	t.Run("draft cannot be consumed", func(t *testing.T) {
		b, err := NewBudget(uuid.New(),
			values.MustComputeHashValue([]byte("purpose")),
			values.MustNewRiskAmountFromString("100"))
		require.NoError(t, err)

		err = b.Consume(values.MustNewRiskAmountFromString("10"))
		require.Error(t, err)
		assert.Equal(t, "BUDGET_NOT_LOCKED", errors.Code(err))
		assert.Equal(t, "100", b.Remaining().String())
	})

	t.Run("lock is one way", func(t *testing.T) {
		b := newLockedBudget(t, "100")
		assert.Equal(t, BudgetStatusLocked, b.Status)
		require.Error(t, b.Lock())
	})

	t.Run("rejects non-positive allocation", func(t *testing.T) {
		_, err := NewBudget(uuid.New(),
			values.MustComputeHashValue([]byte("purpose")),
			values.ZeroRiskAmount())
		require.Error(t, err)
	})
}

func TestBudgetConsume(t *testing.T) {
	t.Run("over-consume leaves budget untouched", func(t *testing.T) {
		b := newLockedBudget(t, "100")

		require.NoError(t, b.Consume(values.MustNewRiskAmountFromString("60")))
		assert.Equal(t, "40", b.Remaining().String())

		err := b.Consume(values.MustNewRiskAmountFromString("50"))
		require.Error(t, err)
		assert.Equal(t, "BUDGET_EXHAUSTED", errors.Code(err))

		// no partial decrement
		assert.Equal(t, "40", b.Remaining().String())
		assert.Equal(t, BudgetStatusLocked, b.Status)
	})

	t.Run("consuming to zero exhausts", func(t *testing.T) {
		b := newLockedBudget(t, "100")

		require.NoError(t, b.Consume(values.MustNewRiskAmountFromString("100")))
		assert.Equal(t, BudgetStatusExhausted, b.Status)
		assert.True(t, b.Remaining().IsZero())

		err := b.Consume(values.MustNewRiskAmountFromString("1"))
		require.Error(t, err)
		assert.Equal(t, "BUDGET_EXHAUSTED", errors.Code(err))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		b := newLockedBudget(t, "100")
		require.Error(t, b.Consume(values.ZeroRiskAmount()))
		assert.Equal(t, "100", b.Remaining().String())
	})

	t.Run("version advances on every mutation", func(t *testing.T) {
		b := newLockedBudget(t, "100")
		v := b.Version

		require.NoError(t, b.Consume(values.MustNewRiskAmountFromString("10")))
		assert.Equal(t, v+1, b.Version)
	})
}

func TestCohortPolicy(t *testing.T) {
	policy := NewCohortPolicy(50)

	t.Run("below threshold denies", func(t *testing.T) {
		err := policy.Check(49)
		require.Error(t, err)
		assert.Equal(t, "COHORT_TOO_SMALL", errors.Code(err))
	})

	t.Run("ties allow", func(t *testing.T) {
		require.NoError(t, policy.Check(50))
		assert.True(t, policy.Allows(50))
	})

	t.Run("negative size is invalid, not allowed", func(t *testing.T) {
		require.Error(t, policy.Check(-1))
	})

	t.Run("default threshold", func(t *testing.T) {
		assert.Equal(t, DefaultKMin, NewCohortPolicy(0).KMin)
	})
}
