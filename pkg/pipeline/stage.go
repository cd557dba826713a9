// Package pipeline chains query stages, each pulling from the one before
// it, and provides the rewrite pass that lets adjacent stages fuse.
package pipeline

import (
	"context"

	"github.com/go-kit/log"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
	"github.com/cortexproject/mergecursors/pkg/merger"
)

// Status of a pull.
type Status int

const (
	Advanced Status = iota
	EOF
	Paused
)

func (s Status) String() string {
	switch s {
	case Advanced:
		return "advanced"
	case EOF:
		return "eof"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Result of a pull. Doc is only set when Status is Advanced.
type Result struct {
	Doc    document.Document
	Status Status
}

// Stage is one step of a pipeline. Stages are driven by a single goroutine.
type Stage interface {
	// Name is the key the stage serializes under, e.g. "$sort".
	Name() string
	GetNext(ctx context.Context) (Result, error)
	// Serialize returns the stage as a single-key JSON object that the
	// registered parser for Name accepts.
	Serialize() ([]byte, error)
	// Dispose releases the stage's resources. It is idempotent and never fails.
	Dispose(ctx context.Context)
}

// SourceSetter is implemented by stages that pull from a preceding stage.
type SourceSetter interface {
	SetSource(Stage)
}

// Optimizer is implemented by stages that may rewrite the stage following them.
type Optimizer interface {
	// OptimizeAt inspects next, the stage immediately after the receiver, and
	// reports what should become of it. It may change the receiver.
	OptimizeAt(next Stage) Rewrite
}

// Detacher is implemented by stages bound to a session between pulls.
type Detacher interface {
	Detach()
	Reattach(session *cursor.Session) error
}

// Releaser is implemented by stages owning remote resources that can be
// handed to another process. Release serializes the stage and gives up
// ownership without freeing the remote resources.
type Releaser interface {
	Release() ([]byte, error)
}

// Action of a Rewrite.
type Action int

const (
	// Keep leaves the next stage in place.
	Keep Action = iota
	// Remove drops the next stage.
	Remove
	// Replace swaps the next stage for Replacement.
	Replace
)

// Rewrite is the outcome of Optimizer.OptimizeAt.
type Rewrite struct {
	Action      Action
	Replacement []Stage
}

// ExpressionContext carries the per-query facilities stages are built with.
type ExpressionContext struct {
	Executor cursor.Executor
	Session  *cursor.Session
	Logger   log.Logger
	Metrics  *merger.Metrics
}

// GetLogger returns the logger, or a no-op logger when none is set.
func (c *ExpressionContext) GetLogger() log.Logger {
	if c == nil || c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}
