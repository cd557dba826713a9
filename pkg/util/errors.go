package util

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MultiError collects the errors of operations that must all be attempted,
// such as releasing every stage of a pipeline.
type MultiError []error

// NewMultiError returns a MultiError holding the non-nil errs.
func NewMultiError(errs ...error) MultiError { // nolint:golint
	m := MultiError{}
	m.Add(errs...)
	return m
}

// Add appends the non-nil errs. Errors returned by Err are flattened.
func (es *MultiError) Add(errs ...error) {
	for _, err := range errs {
		switch e := err.(type) {
		case nil:
		case combinedError:
			*es = append(*es, e...)
		default:
			*es = append(*es, err)
		}
	}
}

// Err returns nil when no error was added.
func (es MultiError) Err() error {
	if len(es) == 0 {
		return nil
	}
	return combinedError(append([]error(nil), es...))
}

type combinedError []error

func (es combinedError) Error() string {
	msgs := make([]string, 0, len(es))
	for _, err := range es {
		msgs = append(msgs, err.Error())
	}
	if len(es) == 1 {
		return msgs[0]
	}
	return strconv.Itoa(len(es)) + " errors: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the combined errors to errors.Is and errors.As.
func (es combinedError) Unwrap() []error {
	return es
}

// Is is kept for callers still on pkg/errors, which predates multi-error unwrapping.
func (es combinedError) Is(target error) bool {
	for _, err := range es {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
