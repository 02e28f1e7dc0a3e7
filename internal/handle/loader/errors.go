package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrFilterConfiguration matches any FilterConfigurationError. It is
	// fatal: the filter cannot be trusted and must not be published.
	ErrFilterConfiguration = errors.New("loader: filter configuration error")

	// ErrLoadIncomplete is returned when the sweep stopped early. Everything
	// inserted before the failure stays inserted.
	ErrLoadIncomplete = errors.New("loader: load incomplete")
)

// FilterConfigurationError reports a filter that could not be built or
// that lost a username it was just given.
type FilterConfigurationError struct {
	// Username is the spot-checked name the filter did not report, if the
	// error came from a spot check.
	Username string
	Err      error
}

func (e *FilterConfigurationError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("loader: filter configuration error: spot check failed for %q", e.Username)
	}
	return fmt.Sprintf("loader: filter configuration error: %v", e.Err)
}

func (e *FilterConfigurationError) Unwrap() error { return e.Err }

func (e *FilterConfigurationError) Is(target error) bool {
	return target == ErrFilterConfiguration
}
