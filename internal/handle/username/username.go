// Package username holds the canonical form of a username. Every component
// that hashes, stores or compares usernames goes through Fold so that case
// and surrounding whitespace never change an answer.
package username

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest accepted username, in runes, after folding.
const MaxLength = 64

// ErrInvalidUsername is the sentinel matched by every ValidationError.
var ErrInvalidUsername = errors.New("invalid username")

// ValidationError describes why a raw username was rejected.
type ValidationError struct {
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid username %q: %s", e.Raw, e.Reason)
}

// Is reports whether target is ErrInvalidUsername.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidUsername
}

// Fold trims surrounding whitespace and lowercases s. It never fails; use
// Normalize where empty input must be rejected.
func Fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Normalize folds raw and validates the result.
func Normalize(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", &ValidationError{Raw: raw, Reason: "must be valid UTF-8"}
	}

	name := Fold(raw)
	if name == "" {
		return "", &ValidationError{Raw: raw, Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(name); n > MaxLength {
		return "", &ValidationError{Raw: raw, Reason: fmt.Sprintf("must be at most %d characters, got %d", MaxLength, n)}
	}

	return name, nil
}
