package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepay-hq/voicepay/pkg/models"
)

func TestAdvanceNextRun(t *testing.T) {
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("daily", func(t *testing.T) {
		next := advanceNextRun(base, models.IntervalDaily, 0)
		assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("weekly", func(t *testing.T) {
		next := advanceNextRun(base, models.IntervalWeekly, 0)
		assert.Equal(t, time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("yearly", func(t *testing.T) {
		next := advanceNextRun(base, models.IntervalYearly, 0)
		assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("custom uses interval ms", func(t *testing.T) {
		next := advanceNextRun(base, models.IntervalCustom, (6 * time.Hour).Milliseconds())
		assert.Equal(t, base.Add(6*time.Hour), next)
	})

	t.Run("custom without interval ms falls back to daily", func(t *testing.T) {
		next := advanceNextRun(base, models.IntervalCustom, 0)
		assert.Equal(t, base.AddDate(0, 0, 1), next)
	})
}

func TestMonthlyEndOfMonthClamp(t *testing.T) {
	// Jan 31 clamps to Feb 28 and stays on the 28th: the nominal day is
	// not re-anchored.
	jan31 := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	feb := advanceNextRun(jan31, models.IntervalMonthly, 0)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), feb)

	mar := advanceNextRun(feb, models.IntervalMonthly, 0)
	assert.Equal(t, time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC), mar)

	t.Run("leap year", func(t *testing.T) {
		jan31 := time.Date(2024, 1, 31, 12, 30, 0, 0, time.UTC)
		feb := advanceNextRun(jan31, models.IntervalMonthly, 0)
		assert.Equal(t, time.Date(2024, 2, 29, 12, 30, 0, 0, time.UTC), feb)
	})

	t.Run("mid-month day unaffected", func(t *testing.T) {
		jan15 := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
		feb := advanceNextRun(jan15, models.IntervalMonthly, 0)
		assert.Equal(t, time.Date(2025, 2, 15, 9, 0, 0, 0, time.UTC), feb)
	})
}

func TestCombineStartDate(t *testing.T) {
	t.Run("date only", func(t *testing.T) {
		got, err := combineStartDate("2025-01-01", "")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("with time of day", func(t *testing.T) {
		got, err := combineStartDate("2025-01-01", "09:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), got)
	})

	t.Run("with seconds", func(t *testing.T) {
		got, err := combineStartDate("2025-06-15", "23:59:30")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 15, 23, 59, 30, 0, time.UTC), got)
	})

	t.Run("invalid date", func(t *testing.T) {
		_, err := combineStartDate("01/01/2025", "")
		assert.Error(t, err)
	})

	t.Run("invalid time", func(t *testing.T) {
		_, err := combineStartDate("2025-01-01", "9am")
		assert.Error(t, err)
	})
}
