package cursor

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is returned when a merge is built from bad input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIllegalState is returned when an operation is not allowed in the current state.
	ErrIllegalState = errors.New("illegal state")
	// ErrCancelled is returned by pulls racing with or following a kill.
	ErrCancelled = errors.New("cursor merge cancelled")
	// ErrUnreachable marks a programming error, such as serializing a claimed stage.
	ErrUnreachable = errors.New("unreachable")
)

// FetchError wraps a failure returned by the Executor for one remote.
// The executor's error is preserved for errors.Is and errors.As.
type FetchError struct {
	Host     string
	CursorID int64
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching cursor %d from %s: %v", e.CursorID, e.Host, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause see through a FetchError.
func (e *FetchError) Cause() error {
	return e.Err
}
