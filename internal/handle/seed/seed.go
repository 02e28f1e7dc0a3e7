// Package seed generates synthetic usernames for development stores.
package seed

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var adjectives = []string{
	"cool", "awesome", "super", "mega", "ultra", "swift", "bright", "smart",
	"quick", "fast", "smooth", "sharp", "bold", "brave", "calm", "wise",
	"happy", "lucky", "magic", "royal", "golden", "silver", "cosmic", "cyber",
}

var nouns = []string{
	"tiger", "eagle", "wolf", "lion", "bear", "hawk", "shark", "dragon",
	"phoenix", "ninja", "warrior", "knight", "wizard", "mage", "hunter",
	"player", "gamer", "coder", "hacker", "master", "legend", "hero", "star",
}

var suffixes = []string{
	"123", "456", "789", "2024", "pro", "x", "xx", "2k", "elite", "prime",
	"max", "plus", "ultra", "mega", "super", "alpha", "beta", "gamma", "omega",
}

// ProbeNames are names the generator can never produce. They are used to
// look for filter false positives after seeding.
var ProbeNames = []string{"nonexistent123", "fakeuserxyz", "notreal456"}

// ErrExhausted is returned when the generator stops finding new names.
var ErrExhausted = errors.New("seed: username space exhausted")

// maxMisses bounds consecutive duplicate draws before giving up.
const maxMisses = 100_000

// Generate returns one random username.
func Generate(rng *rand.Rand) string {
	adj := adjectives[rng.IntN(len(adjectives))]
	noun := nouns[rng.IntN(len(nouns))]
	suffix := suffixes[rng.IntN(len(suffixes))]

	switch rng.IntN(6) {
	case 0:
		return adj + noun
	case 1:
		return adj + noun + suffix
	case 2:
		return noun + suffix
	case 3:
		return adj + "_" + noun
	case 4:
		return noun + "_" + suffix
	default:
		return fmt.Sprintf("%s%s%d", adj, noun, rng.IntN(9999))
	}
}

// GenerateUnique returns count distinct usernames.
func GenerateUnique(rng *rand.Rand, count int) ([]string, error) {
	seen := make(map[string]struct{}, count)
	out := make([]string, 0, count)

	misses := 0
	for len(out) < count {
		name := Generate(rng)
		if _, dup := seen[name]; dup {
			misses++
			if misses >= maxMisses {
				return out, fmt.Errorf("%w after %d names", ErrExhausted, len(out))
			}
			continue
		}
		misses = 0
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

// Batches splits names into consecutive slices of at most size elements.
func Batches(names []string, size int) [][]string {
	if size <= 0 {
		size = len(names)
	}
	var out [][]string
	for start := 0; start < len(names); start += size {
		end := min(start+size, len(names))
		out = append(out, names[start:end])
	}
	return out
}
