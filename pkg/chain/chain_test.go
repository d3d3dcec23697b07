package chain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleIDToBytes32(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	out := ScheduleIDToBytes32(id)

	// Left-padded: first 16 bytes zero, UUID bytes in the tail.
	for i := 0; i < 16; i++ {
		assert.Zero(t, out[i])
	}
	assert.Equal(t, id[:], out[16:])
}

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount string
		want   int64
	}{
		{"1", 1000000},
		{"12.5", 12500000},
		{"0.000001", 1},
		{"0.05", 50000},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			amount, err := decimal.NewFromString(tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ToBaseUnits(amount).Int64())
		})
	}
}
