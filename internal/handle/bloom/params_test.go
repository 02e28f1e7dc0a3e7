package bloom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimalParams(t *testing.T) {
	tests := []struct {
		n     uint64
		p     float64
		wantM uint64
		wantK uint32
	}{
		{n: 10_000, p: 0.01, wantM: 95_851, wantK: 7},
		{n: 1_000_000, p: 0.01, wantM: 9_585_059, wantK: 7},
		{n: 100, p: 0.001, wantM: 1438, wantK: 10},
		{n: 1, p: 0.5, wantM: 2, wantK: 1},
	}

	for _, tt := range tests {
		m, k, err := OptimalParams(tt.n, tt.p)
		require.NoError(t, err)
		assert.Equal(t, tt.wantM, m, "m for n=%d p=%v", tt.n, tt.p)
		assert.Equal(t, tt.wantK, k, "k for n=%d p=%v", tt.n, tt.p)
	}
}

func TestOptimalParams_KNeverZero(t *testing.T) {
	// A very loose rate gives m/n*ln2 < 0.5, which would round to zero.
	_, k, err := OptimalParams(1000, 0.9)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), k)
}

func TestOptimalParams_Invalid(t *testing.T) {
	tests := []struct {
		name string
		n    uint64
		p    float64
	}{
		{name: "zero items", n: 0, p: 0.01},
		{name: "zero rate", n: 10, p: 0},
		{name: "negative rate", n: 10, p: -0.1},
		{name: "rate of one", n: 10, p: 1},
		{name: "NaN rate", n: 10, p: math.NaN()},
		{name: "too large", n: math.MaxUint64, p: 1e-9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := OptimalParams(tt.n, tt.p)
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestDefaultSizingMeetsTarget(t *testing.T) {
	m, k, err := OptimalParams(DefaultExpectedItems, DefaultFalsePositiveRate)
	require.NoError(t, err)

	rate := EstimateFalsePositiveRate(m, k, DefaultExpectedItems)
	assert.LessOrEqual(t, rate, TargetFalsePositiveCeiling)

	// Twice the expected corpus blows well past the target.
	assert.Greater(t, EstimateFalsePositiveRate(m, k, 2*DefaultExpectedItems), 0.05)
}

func TestEstimateFalsePositiveRate(t *testing.T) {
	assert.Zero(t, EstimateFalsePositiveRate(0, 7, 100))
	assert.Zero(t, EstimateFalsePositiveRate(1024, 7, 0))
	assert.InDelta(t, 0.0100390, EstimateFalsePositiveRate(95_851, 7, 10_000), 1e-6)
}
