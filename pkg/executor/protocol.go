package executor

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	GetMorePath     = "/cursors/getMore"
	KillCursorsPath = "/cursors/killCursors"
	OpenPath        = "/cursors/open"
	ListPath        = "/cursors"

	// RequestIDHeader carries the ID the client logs a request under.
	RequestIDHeader = "X-Request-Id"
)

const (
	errorBadData        = "bad_data"
	errorCursorNotFound = "cursor_not_found"
	errorInternal       = "internal"
)

// ErrCursorNotFound is returned for a cursor the host does not know,
// because it was exhausted, killed or evicted.
var ErrCursorNotFound = errors.New("cursor not found")

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

// StatusError is a non-2xx response from a cursor host.
type StatusError struct {
	Code    int
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap maps the error type back to the sentinel the host failed with.
func (e *StatusError) Unwrap() error {
	switch e.Type {
	case errorCursorNotFound:
		return ErrCursorNotFound
	case errorBadData:
		return cursor.ErrInvalidArgument
	default:
		return nil
	}
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Refused reports whether the host turned the request away without acting
// on it, so that even a request that is not idempotent may be retried.
func (e *StatusError) Refused() bool {
	return e.Code == http.StatusServiceUnavailable || e.Code == http.StatusTooManyRequests
}

// KillCursorsResponse reports what a killCursors did on the host.
type KillCursorsResponse struct {
	CursorsKilled   []int64 `json:"cursorsKilled"`
	CursorsNotFound []int64 `json:"cursorsNotFound"`
}

// OpenRequest opens a cursor over a dataset loaded by the host.
type OpenRequest struct {
	Namespace string `json:"ns"`
	Dataset   string `json:"dataset"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// OpenResponse carries the new cursor and its first batch. CursorID is zero
// when the first batch held every document.
type OpenResponse struct {
	Namespace  string              `json:"ns"`
	CursorID   int64               `json:"cursorId"`
	FirstBatch []document.Document `json:"firstBatch"`
}

// ListResponse lists the open cursors of a host.
type ListResponse struct {
	Cursors []int64 `json:"cursors"`
}
