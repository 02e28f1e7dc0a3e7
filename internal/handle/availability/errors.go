package availability

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable matches any StoreUnavailableError via errors.Is.
var ErrStoreUnavailable = errors.New("availability: store unavailable")

// StoreUnavailableError reports that the filter could not rule a name out
// and the store could not be asked. It is never accompanied by a verdict.
type StoreUnavailableError struct {
	Username string
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("availability: store unavailable checking %q: %v", e.Username, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
