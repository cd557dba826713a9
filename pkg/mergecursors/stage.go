// Package mergecursors implements the $mergeCursors stage: the head of a
// pipeline that merges the remote cursors opened by shards into one stream.
//
// The stage does not own the remote cursors until its first pull. Before
// that it can be serialized and forwarded to another node, which then owns
// them, and disposing it kills nothing. Once claimed, disposing it kills
// every remote cursor that is still open, exactly once.
package mergecursors

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/merger"
	"github.com/cortexproject/mergecursors/pkg/pipeline"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

// StageName is the key the stage serializes under.
const StageName = "$mergeCursors"

func init() {
	pipeline.RegisterStage(StageName, Parse)
}

// state is one of unclaimed, active or disposed.
type state interface {
	name() string
}

// unclaimed holds the merge parameters. The cursors they list belong to
// whoever holds the stage, and are not killed if it is dropped.
type unclaimed struct {
	params  *merger.Params
	session *cursor.Session
}

// active owns a running merger.
type active struct {
	merger *merger.Merger
}

type disposed struct{}

func (*unclaimed) name() string { return "unclaimed" }
func (*active) name() string    { return "active" }
func (*disposed) name() string  { return "disposed" }

// Stage is the $mergeCursors pipeline stage.
//
// GetNext and Detach are called by the goroutine driving the pipeline.
// Dispose may be called from any goroutine, and interrupts a blocked GetNext.
type Stage struct {
	expCtx *pipeline.ExpressionContext
	logger log.Logger

	mtx   sync.Mutex
	state state
}

// Create returns an unclaimed stage over params. No remote request is made.
func Create(expCtx *pipeline.ExpressionContext, params *merger.Params) (*Stage, error) {
	if params == nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, "nil merge parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if expCtx == nil {
		expCtx = &pipeline.ExpressionContext{}
	}
	return &Stage{
		expCtx: expCtx,
		logger: util_log.WithNamespace(params.Namespace, expCtx.GetLogger()),
		state:  &unclaimed{params: params, session: expCtx.Session},
	}, nil
}

func (s *Stage) Name() string { return StageName }

// GetNext returns the next merged document. The first call claims the
// remote cursors.
func (s *Stage) GetNext(ctx context.Context) (pipeline.Result, error) {
	m, err := s.claim()
	if err != nil {
		return pipeline.Result{Status: pipeline.EOF}, err
	}
	doc, status, err := m.Next(ctx)
	if err != nil {
		return pipeline.Result{Status: pipeline.EOF}, err
	}
	switch status {
	case merger.Advanced:
		return pipeline.Result{Doc: doc, Status: pipeline.Advanced}, nil
	case merger.Paused:
		return pipeline.Result{Status: pipeline.Paused}, nil
	default:
		return pipeline.Result{Status: pipeline.EOF}, nil
	}
}

func (s *Stage) claim() (*merger.Merger, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch st := s.state.(type) {
	case *active:
		return st.merger, nil
	case *unclaimed:
		m, err := merger.New(st.params, s.expCtx.Executor, st.session, s.logger, s.expCtx.Metrics)
		if err != nil {
			return nil, errors.Wrap(err, "claiming remote cursors")
		}
		s.state = &active{merger: m}
		return m, nil
	default:
		return nil, errors.Wrap(cursor.ErrIllegalState, "$mergeCursors is disposed")
	}
}

// OptimizeAt absorbs a following $sort into the merge when the remote
// streams are already ordered by it. Only an unclaimed stage can be rewritten.
func (s *Stage) OptimizeAt(next pipeline.Stage) pipeline.Rewrite {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if st, ok := s.state.(*unclaimed); ok {
		rw := st.optimizeAt(next)
		if rw.Action != pipeline.Keep {
			level.Debug(s.logger).Log("msg", "absorbed $sort into cursor merge", "sort", st.params.Sort.String())
		}
		return rw
	}
	return pipeline.Rewrite{Action: pipeline.Keep}
}

func (u *unclaimed) optimizeAt(next pipeline.Stage) pipeline.Rewrite {
	sortStage, ok := next.(*pipeline.SortStage)
	if !ok || !sortStage.MergePresorted() || !u.params.Sort.IsEmpty() || u.params.Tailable {
		return pipeline.Rewrite{Action: pipeline.Keep}
	}

	u.params.Sort = sortStage.Pattern()
	if limit := sortStage.Limit(); limit > 0 {
		l, err := pipeline.NewLimit(limit)
		if err != nil {
			panic(err)
		}
		return pipeline.Rewrite{Action: pipeline.Replace, Replacement: []pipeline.Stage{l}}
	}
	return pipeline.Rewrite{Action: pipeline.Remove}
}

// Detach unbinds the session between pulls.
func (s *Stage) Detach() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if st, ok := s.state.(*active); ok {
		st.merger.Detach()
	}
}

// Reattach binds session for the following pulls. On an unclaimed stage the
// session is kept for the claim.
func (s *Stage) Reattach(session *cursor.Session) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch st := s.state.(type) {
	case *unclaimed:
		st.session = session
		return nil
	case *active:
		return st.merger.Reattach(session)
	default:
		return errors.Wrap(cursor.ErrIllegalState, "$mergeCursors is disposed")
	}
}

// Serialize encodes an unclaimed stage for another node. A claimed stage
// cannot be serialized since part of its data was already consumed.
func (s *Stage) Serialize() ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.serializeLocked()
}

func (s *Stage) serializeLocked() ([]byte, error) {
	switch st := s.state.(type) {
	case *unclaimed:
		return encode(st.params)
	case *active:
		return nil, errors.Wrap(cursor.ErrUnreachable, "$mergeCursors serialized after claiming its cursors")
	default:
		return nil, errors.Wrap(cursor.ErrIllegalState, "$mergeCursors is disposed")
	}
}

// Release serializes an unclaimed stage and gives up its cursors to whoever
// parses the result. The stage is disposed without killing them.
func (s *Stage) Release() ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	data, err := s.serializeLocked()
	if err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "released remote cursors")
	s.state = &disposed{}
	return data, nil
}

// Dispose kills the remote cursors if the stage claimed them. It is
// idempotent and never fails: kill errors are logged.
func (s *Stage) Dispose(ctx context.Context) {
	s.mtx.Lock()
	prev := s.state
	s.state = &disposed{}
	s.mtx.Unlock()

	switch st := prev.(type) {
	case *active:
		st.merger.Kill(ctx)
	case *unclaimed:
		level.Debug(s.logger).Log("msg", "disposing unclaimed $mergeCursors, remote cursors left to their owner", "remotes", len(st.params.Remotes))
	}
}
