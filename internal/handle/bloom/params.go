package bloom

import (
	"fmt"
	"math"
)

const (
	// DefaultExpectedItems is the corpus size the service sizes for when no
	// better hint is available.
	DefaultExpectedItems = 1_000_000

	// DefaultFalsePositiveRate is the documented target: at the expected
	// corpus size about 1% of absent usernames fall through to the store.
	// Rounding k to an integer puts the estimate at 1.004% for the default
	// sizing, which is what TargetFalsePositiveCeiling allows for.
	DefaultFalsePositiveRate = 0.01

	// TargetFalsePositiveCeiling is the estimated rate the default sizing
	// must stay under at DefaultExpectedItems.
	TargetFalsePositiveCeiling = 0.0101

	// MaxBits caps the bit array at 2^48 bits (32 TiB of memory). Anything
	// larger is a configuration mistake, not a corpus.
	MaxBits = uint64(1) << 48

	// MaxHashes bounds k. Optimal k for any sane rate is well below this.
	MaxHashes = 64

	ln2        = math.Ln2
	ln2Squared = math.Ln2 * math.Ln2
)

// OptimalParams returns the bit count m and hash count k for a filter that
// holds n items at false positive probability p:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = round((m / n) * ln(2)), k >= 1
func OptimalParams(n uint64, p float64) (m uint64, k uint32, err error) {
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: expected items must be positive", ErrInvalidParams)
	}
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0, 0, fmt.Errorf("%w: false positive rate must be in (0, 1), got %v", ErrInvalidParams, p)
	}

	bits := math.Ceil(-float64(n) * math.Log(p) / ln2Squared)
	if bits > float64(MaxBits) {
		return 0, 0, fmt.Errorf("%w: %d items at rate %v needs more than %d bits", ErrInvalidParams, n, p, MaxBits)
	}
	m = uint64(bits)

	kf := math.Round(float64(m) / float64(n) * ln2)
	k = uint32(max(kf, 1))
	k = min(k, MaxHashes)

	return m, k, nil
}

// EstimateFalsePositiveRate estimates the false positive probability of an
// m-bit, k-hash filter after n insertions: (1 - e^(-kn/m))^k.
func EstimateFalsePositiveRate(m uint64, k uint32, n uint64) float64 {
	if m == 0 || n == 0 {
		return 0
	}

	kf := float64(k)
	return math.Pow(1-math.Exp(-kf*float64(n)/float64(m)), kf)
}
