package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
)

// LimitStage passes through the first n results of its source.
type LimitStage struct {
	n        int64
	returned int64
	source   Stage
	disposed bool
}

// NewLimit returns a limit stage. n must be positive.
func NewLimit(n int64) (*LimitStage, error) {
	if n <= 0 {
		return nil, errors.Wrapf(cursor.ErrInvalidArgument, "$limit must be positive, got %d", n)
	}
	return &LimitStage{n: n}, nil
}

func parseLimit(body []byte, _ *ExpressionContext) (Stage, error) {
	var n int64
	if err := strict.Unmarshal(body, &n); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	return NewLimit(n)
}

func (l *LimitStage) Name() string { return LimitStageName }

// N returns the number of results passed through.
func (l *LimitStage) N() int64 { return l.n }

func (l *LimitStage) SetSource(src Stage) { l.source = src }

func (l *LimitStage) GetNext(ctx context.Context) (Result, error) {
	switch {
	case l.disposed:
		return Result{Status: EOF}, errors.Wrap(cursor.ErrIllegalState, "$limit is disposed")
	case l.source == nil:
		return Result{Status: EOF}, errors.Wrap(cursor.ErrIllegalState, "$limit has no source")
	case l.returned >= l.n:
		return Result{Status: EOF}, nil
	}
	res, err := l.source.GetNext(ctx)
	if err != nil {
		return res, err
	}
	if res.Status == Advanced {
		l.returned++
	}
	return res, nil
}

func (l *LimitStage) Serialize() ([]byte, error) {
	return json.Marshal(map[string]int64{LimitStageName: l.n})
}

func (l *LimitStage) Dispose(context.Context) {
	l.disposed = true
}
