package seed

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handle.lopezb.com/internal/handle/username"
)

func TestGenerateUnique(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	names, err := GenerateUnique(rng, 5000)
	require.NoError(t, err)
	require.Len(t, names, 5000)

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		assert.False(t, seen[n], "duplicate %q", n)
		seen[n] = true

		norm, err := username.Normalize(n)
		require.NoError(t, err)
		assert.Equal(t, n, norm, "generated names are already normalized")
	}
}

func TestGenerateUnique_Deterministic(t *testing.T) {
	a, err := GenerateUnique(rand.New(rand.NewPCG(7, 7)), 100)
	require.NoError(t, err)
	b, err := GenerateUnique(rand.New(rand.NewPCG(7, 7)), 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestProbeNamesNeverGenerated(t *testing.T) {
	names, err := GenerateUnique(rand.New(rand.NewPCG(3, 4)), 20_000)
	require.NoError(t, err)

	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	for _, p := range ProbeNames {
		assert.NotContains(t, set, p)
	}
}

func TestBatches(t *testing.T) {
	names := make([]string, 2500)
	batches := Batches(names, 1000)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1000)
	assert.Len(t, batches[2], 500)

	assert.Empty(t, Batches(nil, 1000))
	assert.Len(t, Batches(names, 0), 1)
}
