package merger

import (
	"context"
	"sync"
	"time"

	"github.com/bboreham/go-loser"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
	"github.com/cortexproject/mergecursors/pkg/util/concurrency"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

// Status of a Next call.
type Status int

const (
	// Advanced means a document was returned.
	Advanced Status = iota
	// EOF means every remote cursor is exhausted.
	EOF
	// Paused means a tailable merge has nothing to return right now.
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

const (
	// killConcurrency bounds the number of hosts sent killCursors in parallel.
	killConcurrency = 8
	// killTimeout bounds the killCursors fan-out. It is not tied to the
	// caller's cancellation, which is often the reason for the kill.
	killTimeout = 30 * time.Second
)

// Merger merges the streams of several remote cursors into one. Fetches for
// every remote are issued concurrently and overlap with consumption.
//
// Next, Detach and Reattach must be called from one goroutine at a time.
// Kill may be called from any goroutine at any time.
type Merger struct {
	logger  log.Logger
	metrics *Metrics

	ns           string
	sort         sortkey.Pattern
	tailable     bool
	batchSize    int
	allowPartial bool

	// ctx scopes the getMore requests and is cancelled by Kill.
	ctx      context.Context
	cancel   context.CancelFunc
	results  chan fetchResult
	inflight sync.WaitGroup

	mtx        sync.Mutex
	exec       cursor.Executor // nil once killed
	session    *cursor.Session
	detached   bool
	remotes    []*remote
	err        error
	nextRemote int

	// Sorted merges only. winner is the remote whose head was returned last
	// and is advanced by the next tree step.
	tree   *loser.Tree[string, *remote]
	winner *remote

	killed   atomic.Bool
	killOnce sync.Once
}

type fetchResult struct {
	idx  int
	resp cursor.Response
	err  error
}

// remote is the merger's view of one cursor. Fields are guarded by Merger.mtx
// except cur and key, which only the goroutine driving Next touches.
type remote struct {
	m   *Merger
	idx int
	cursor.Remote
	inflight bool

	cur document.Document
	key string
}

// New claims the cursors listed in params. params is consumed and must not
// be reused. The executor is used for every getMore and killCursors.
func New(params *Params, exec cursor.Executor, session *cursor.Session, logger log.Logger, metrics *Metrics) (*Merger, error) {
	if params == nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, "nil merge parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, "nil executor")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	remotes := params.take()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Merger{
		logger:       util_log.WithNamespace(params.Namespace, logger),
		metrics:      metrics,
		ns:           params.Namespace,
		sort:         params.Sort,
		tailable:     params.Tailable,
		batchSize:    params.BatchSize,
		allowPartial: params.AllowPartialResults,
		ctx:          ctx,
		cancel:       cancel,
		results:      make(chan fetchResult, len(remotes)),
		exec:         exec,
		session:      session,
		remotes:      make([]*remote, 0, len(remotes)),
	}
	for i, r := range remotes {
		m.remotes = append(m.remotes, &remote{m: m, idx: i, Remote: r})
	}
	metrics.mergesStarted.Inc()
	level.Debug(m.logger).Log("msg", "claimed remote cursors", "remotes", len(remotes), "sort", params.Sort.String())
	return m, nil
}

// Sorted reports whether the merger orders its output by a sort key.
func (m *Merger) Sorted() bool {
	return !m.sort.IsEmpty()
}

// Next returns the next merged document. It blocks while waiting for remote
// data. Once every remote is exhausted it returns EOF. Once Kill was called
// it returns cursor.ErrCancelled.
func (m *Merger) Next(ctx context.Context) (document.Document, Status, error) {
	if m.killed.Load() {
		return nil, EOF, cursor.ErrCancelled
	}

	m.mtx.Lock()
	switch {
	case m.err != nil:
		err := m.err
		m.mtx.Unlock()
		return nil, EOF, err
	case m.detached:
		m.mtx.Unlock()
		return nil, EOF, errors.Wrap(cursor.ErrIllegalState, "merger is detached from its session")
	}
	m.mtx.Unlock()

	var (
		doc    document.Document
		status Status
		err    error
	)
	if m.Sorted() {
		doc, status, err = m.nextSorted(ctx)
	} else {
		doc, status, err = m.nextUnsorted(ctx)
	}
	if err != nil {
		if m.killed.Load() {
			return nil, EOF, cursor.ErrCancelled
		}
		return nil, EOF, err
	}
	if status == Advanced {
		m.metrics.docsReturned.Inc()
	}
	return doc, status, nil
}

func (m *Merger) nextUnsorted(ctx context.Context) (document.Document, Status, error) {
	paused := false
	for {
		m.mtx.Lock()
		if m.killed.Load() {
			m.mtx.Unlock()
			return nil, EOF, cursor.ErrCancelled
		}
		if doc, ok := m.popReadyLocked(); ok {
			m.mtx.Unlock()
			return doc, Advanced, nil
		}
		if paused {
			m.mtx.Unlock()
			return nil, Paused, nil
		}
		live := false
		for _, r := range m.remotes {
			if !r.Exhausted() {
				live = true
				m.scheduleLocked(r)
			}
		}
		m.mtx.Unlock()

		if !live {
			return nil, EOF, nil
		}

		res, err := m.await(ctx)
		if err != nil {
			return nil, EOF, err
		}
		progressed, err := m.apply(res)
		if err != nil {
			m.fail(err)
			return nil, EOF, err
		}
		paused = m.tailable && !progressed
	}
}

// popReadyLocked returns a buffered document, visiting remotes round-robin so
// that none is starved.
func (m *Merger) popReadyLocked() (document.Document, bool) {
	n := len(m.remotes)
	for i := 0; i < n; i++ {
		r := m.remotes[(m.nextRemote+i)%n]
		if len(r.Batch) == 0 {
			continue
		}
		doc := r.pop()
		m.nextRemote = (r.idx + 1) % n
		if len(r.Batch) == 0 {
			m.scheduleLocked(r)
		}
		return doc, true
	}
	return nil, false
}

// nextSorted steps the loser tree. The tree treats a remote whose Next
// returns false as finished, so every remote it is about to advance is
// first filled outside the tree. A pull cancelled while filling leaves the
// tree untouched and the next pull resumes it.
func (m *Merger) nextSorted(ctx context.Context) (document.Document, Status, error) {
	if m.tree == nil {
		if err := m.fill(ctx, m.remotes); err != nil {
			return nil, EOF, err
		}
		m.tree = loser.New(m.remotes, sortkey.Max)
	} else if m.winner != nil {
		if err := m.fill(ctx, []*remote{m.winner}); err != nil {
			return nil, EOF, err
		}
	}

	ok := m.tree.Next()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	switch {
	case m.killed.Load():
		return nil, EOF, cursor.ErrCancelled
	case m.err != nil:
		// A remote that fails looks exhausted to the tree.
		return nil, EOF, m.err
	case !ok:
		m.winner = nil
		return nil, EOF, nil
	}
	m.winner = m.remotes[sortkey.TieBreak(m.tree.At())]
	return m.winner.cur, Advanced, nil
}

// fill waits until every remote in rs has a buffered document or is
// exhausted. Fetches for all of them are issued before waiting. Remote
// failures are sticky. Errors from ctx are not.
func (m *Merger) fill(ctx context.Context, rs []*remote) error {
	for {
		m.mtx.Lock()
		if m.err != nil {
			err := m.err
			m.mtx.Unlock()
			return err
		}
		waiting := false
		for _, r := range rs {
			if len(r.Batch) == 0 && !r.Exhausted() {
				waiting = true
				m.scheduleLocked(r)
			}
		}
		m.mtx.Unlock()
		if !waiting {
			return nil
		}

		res, err := m.await(ctx)
		if err != nil {
			return err
		}
		if _, err := m.apply(res); err != nil {
			m.fail(err)
			return err
		}
	}
}

// At implements loser.Sequence.
func (r *remote) At() string {
	return r.key
}

// Next implements loser.Sequence. It never blocks: fill has already
// buffered a document unless the remote is exhausted.
func (r *remote) Next() bool {
	m := r.m
	m.mtx.Lock()
	switch {
	case m.err != nil, m.killed.Load(), r.Exhausted() && len(r.Batch) == 0:
		m.mtx.Unlock()
		r.cur, r.key = nil, sortkey.Max
		return false
	case len(r.Batch) == 0:
		m.err = errors.Wrapf(cursor.ErrIllegalState, "remote %s advanced without a buffered document", r.Remote.String())
		m.mtx.Unlock()
		r.cur, r.key = nil, sortkey.Max
		return false
	}
	doc := r.pop()
	if len(r.Batch) == 0 {
		// Overlap the next round trip with consuming this document.
		m.scheduleLocked(r)
	}
	m.mtx.Unlock()

	key, err := m.sort.Encode(doc)
	if err != nil {
		m.fail(errors.Wrapf(err, "document from %s", r.Remote.String()))
		r.cur, r.key = nil, sortkey.Max
		return false
	}
	r.cur, r.key = doc, sortkey.WithTieBreak(key, r.idx)
	return true
}

func (r *remote) pop() document.Document {
	doc := r.Batch[0]
	r.Batch[0] = nil
	r.Batch = r.Batch[1:]
	return doc
}

// scheduleLocked issues a getMore for r unless one is already in flight or
// the cursor is exhausted. Must be called with m.mtx held.
func (m *Merger) scheduleLocked(r *remote) {
	if r.inflight || r.Exhausted() || m.exec == nil {
		return
	}
	r.inflight = true

	exec := m.exec
	req := cursor.GetMoreRequest{
		Host:      r.Host,
		Namespace: m.ns,
		CursorID:  r.CursorID,
		BatchSize: m.batchSize,
		Session:   m.session,
	}
	idx := r.idx
	m.inflight.Add(1)
	m.metrics.getMores.Inc()
	go func() {
		defer m.inflight.Done()
		resp, err := exec.GetMore(m.ctx, req)
		// Never blocks: at most one request per remote is in flight.
		m.results <- fetchResult{idx: idx, resp: resp, err: err}
	}()
}

// await blocks until any in-flight getMore completes.
func (m *Merger) await(ctx context.Context) (fetchResult, error) {
	select {
	case res := <-m.results:
		if m.killed.Load() {
			return fetchResult{}, cursor.ErrCancelled
		}
		return res, nil
	case <-m.ctx.Done():
		return fetchResult{}, cursor.ErrCancelled
	case <-ctx.Done():
		return fetchResult{}, ctx.Err()
	}
}

// apply records a getMore result. It reports whether the result buffered a
// document or closed the cursor.
func (m *Merger) apply(res fetchResult) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r := m.remotes[res.idx]
	r.inflight = false

	if res.err != nil {
		m.metrics.getMoreFails.Inc()
		if m.allowPartial {
			level.Warn(m.logger).Log("msg", "dropping remote cursor after failed getMore", "shard", r.ShardID, "host", r.Host, "cursor", r.CursorID, "err", res.err)
			r.CursorID = 0
			return true, nil
		}
		return false, &cursor.FetchError{Host: r.Host, CursorID: r.CursorID, Err: res.err}
	}

	r.CursorID = res.resp.CursorID
	r.Batch = append(r.Batch, res.resp.Batch...)
	return len(res.resp.Batch) > 0 || r.Exhausted(), nil
}

func (m *Merger) fail(err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.err == nil {
		m.err = err
	}
}

// Detach releases the session binding between pulls. Buffered documents and
// in-flight getMores are left untouched.
func (m *Merger) Detach() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.session = nil
	m.detached = true
}

// Reattach binds a new session after Detach.
func (m *Merger) Reattach(session *cursor.Session) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.detached {
		return errors.Wrap(cursor.ErrIllegalState, "merger is not detached")
	}
	m.session = session
	m.detached = false
	return nil
}

// Killed reports whether Kill was called.
func (m *Merger) Killed() bool {
	return m.killed.Load()
}

// Kill cancels every outstanding getMore and kills the remote cursors that
// are not exhausted. Only the first call does anything. It never fails:
// killCursors errors are logged. The killCursors requests keep the values of
// ctx but not its cancellation, and are bounded by killTimeout.
func (m *Merger) Kill(ctx context.Context) {
	m.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		defer cancel()

		m.mtx.Lock()
		m.killed.Store(true)
		exec := m.exec
		m.exec = nil
		m.mtx.Unlock()

		m.cancel()
		m.inflight.Wait()

		m.mtx.Lock()
		// Responses that arrived after the last Next still carry the latest cursor IDs.
		for drained := false; !drained; {
			select {
			case res := <-m.results:
				if res.err == nil {
					m.remotes[res.idx].CursorID = res.resp.CursorID
				}
			default:
				drained = true
			}
		}
		byHost := map[string][]int64{}
		var hosts []string
		for _, r := range m.remotes {
			r.Batch = nil
			if r.Exhausted() {
				continue
			}
			if _, ok := byHost[r.Host]; !ok {
				hosts = append(hosts, r.Host)
			}
			byHost[r.Host] = append(byHost[r.Host], r.CursorID)
		}
		session := m.session
		m.mtx.Unlock()

		if len(hosts) == 0 {
			return
		}

		err := concurrency.ForEachJob(ctx, hosts, killConcurrency, func(ctx context.Context, host string) error {
			ids := byHost[host]
			m.metrics.cursorsKilled.Add(float64(len(ids)))
			if err := exec.KillCursors(ctx, cursor.KillCursorsRequest{
				Host:      host,
				Namespace: m.ns,
				CursorIDs: ids,
				Session:   session,
			}); err != nil {
				m.metrics.killFailures.Inc()
				return errors.Wrapf(err, "killing %d cursors on %s", len(ids), host)
			}
			return nil
		})
		if err != nil {
			level.Warn(util_log.WithContext(ctx, m.logger)).Log("msg", "failed to kill remote cursors", "err", err)
		}
	})
}
