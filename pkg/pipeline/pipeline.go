package pipeline

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pipeline is a chain of stages. Results are pulled from the last stage.
type Pipeline struct {
	logger   log.Logger
	stages   []Stage
	disposed bool
}

// New links stages in order. Every stage but the first must accept a source.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, "empty pipeline")
	}
	p := &Pipeline{logger: log.NewNopLogger(), stages: stages}
	if err := p.link(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) link() error {
	for i := 1; i < len(p.stages); i++ {
		s, ok := p.stages[i].(SourceSetter)
		if !ok {
			return errors.Wrapf(cursor.ErrInvalidArgument, "stage %s cannot follow %s", p.stages[i].Name(), p.stages[i-1].Name())
		}
		s.SetSource(p.stages[i-1])
	}
	return nil
}

// Stages returns the current stages. The slice must not be modified.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Optimize makes one pass over adjacent stage pairs, letting each Optimizer
// rewrite its successor. A position is examined again after a rewrite so
// the stage can fuse with whatever follows next. Removed stages are disposed.
func (p *Pipeline) Optimize(ctx context.Context) error {
	if p.disposed {
		return errors.Wrap(cursor.ErrIllegalState, "pipeline is disposed")
	}
	for i := 0; i < len(p.stages)-1; {
		opt, ok := p.stages[i].(Optimizer)
		if !ok {
			i++
			continue
		}

		next := p.stages[i+1]
		rw := opt.OptimizeAt(next)
		switch rw.Action {
		case Remove:
			level.Debug(p.logger).Log("msg", "stage absorbed its successor", "stage", p.stages[i].Name(), "removed", next.Name())
			p.stages = append(p.stages[:i+1], p.stages[i+2:]...)
		case Replace:
			level.Debug(p.logger).Log("msg", "stage rewrote its successor", "stage", p.stages[i].Name(), "replaced", next.Name(), "replacements", len(rw.Replacement))
			rest := append(append([]Stage{}, rw.Replacement...), p.stages[i+2:]...)
			p.stages = append(p.stages[:i+1], rest...)
		default:
			i++
			continue
		}
		next.Dispose(ctx)
	}
	return p.link()
}

// GetNext pulls the next result from the last stage.
func (p *Pipeline) GetNext(ctx context.Context) (Result, error) {
	if p.disposed {
		return Result{Status: EOF}, errors.Wrap(cursor.ErrIllegalState, "pipeline is disposed")
	}
	return p.stages[len(p.stages)-1].GetNext(ctx)
}

// Detach unbinds every session-bound stage between pulls.
func (p *Pipeline) Detach() {
	for _, s := range p.stages {
		if d, ok := s.(Detacher); ok {
			d.Detach()
		}
	}
}

// Reattach binds session to every session-bound stage.
func (p *Pipeline) Reattach(session *cursor.Session) error {
	errs := util.MultiError{}
	for _, s := range p.stages {
		if d, ok := s.(Detacher); ok {
			if err := d.Reattach(session); err != nil {
				errs.Add(errors.Wrapf(err, "reattaching %s", s.Name()))
			}
		}
	}
	return errs.Err()
}

// Serialize returns the pipeline as a JSON array of single-key stage objects.
func (p *Pipeline) Serialize() ([]byte, error) {
	if p.disposed {
		return nil, errors.Wrap(cursor.ErrIllegalState, "pipeline is disposed")
	}
	raw := make([]jsoniter.RawMessage, 0, len(p.stages))
	for _, s := range p.stages {
		b, err := s.Serialize()
		if err != nil {
			return nil, errors.Wrapf(err, "serializing %s", s.Name())
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// Release serializes the pipeline for another process and gives up local
// ownership: Releasers hand their resources over, other stages are disposed.
// Nothing is released if serialization fails.
func (p *Pipeline) Release(ctx context.Context) ([]byte, error) {
	data, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	for _, s := range p.stages {
		if r, ok := s.(Releaser); ok {
			if _, err := r.Release(); err != nil {
				level.Warn(p.logger).Log("msg", "failed to release stage", "stage", s.Name(), "err", err)
			}
			continue
		}
		s.Dispose(ctx)
	}
	p.disposed = true
	return data, nil
}

// Dispose disposes every stage. It is idempotent.
func (p *Pipeline) Dispose(ctx context.Context) {
	if p.disposed {
		return
	}
	p.disposed = true
	for _, s := range p.stages {
		s.Dispose(ctx)
	}
}
