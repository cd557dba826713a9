package executor

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
)

// Store keeps the cursors a host has open. It holds at most a fixed number
// of cursors: opening one more evicts, and so kills, the least recently used.
type Store struct {
	logger           log.Logger
	defaultBatchSize int

	mtx      sync.RWMutex
	datasets map[string][]document.Document

	nextID  atomic.Int64
	cursors *lru.Cache[int64, *openCursor]

	opened  prometheus.Counter
	evicted prometheus.Counter
}

type openCursor struct {
	ns   string
	mtx  sync.Mutex
	docs []document.Document
	// closing is set before the cursor is removed on purpose, so the evict
	// callback can tell capacity evictions apart.
	closing atomic.Bool
}

// NewStore returns a store holding up to maxOpen cursors.
func NewStore(maxOpen, defaultBatchSize int, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	if defaultBatchSize <= 0 {
		return nil, errors.Errorf("default batch size must be positive, got %d", defaultBatchSize)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		logger:           logger,
		defaultBatchSize: defaultBatchSize,
		datasets:         map[string][]document.Document{},
		opened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "store_cursors_opened_total",
			Help:      "Total number of cursors opened by the store.",
		}),
		evicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "store_cursors_evicted_total",
			Help:      "Total number of cursors killed to make room for new ones.",
		}),
	}
	cache, err := lru.NewWithEvict[int64, *openCursor](maxOpen, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "creating cursor cache")
	}
	s.cursors = cache
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mergecursors",
		Name:      "store_open_cursors",
		Help:      "Number of cursors currently open.",
	}, func() float64 { return float64(s.cursors.Len()) })
	return s, nil
}

func (s *Store) onEvict(id int64, c *openCursor) {
	if c.closing.Load() {
		return
	}
	s.evicted.Inc()
	level.Warn(s.logger).Log("msg", "evicted open cursor", "ns", c.ns, "cursor", id)
}

// AddDataset makes docs available to Open under name.
func (s *Store) AddDataset(name string, docs []document.Document) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.datasets[name] = docs
}

// Datasets returns the sorted dataset names.
func (s *Store) Datasets() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens a cursor over a dataset and returns its first batch. The
// cursor ID is zero when the first batch drained the dataset.
func (s *Store) Open(req OpenRequest) (OpenResponse, error) {
	s.mtx.RLock()
	docs, ok := s.datasets[req.Dataset]
	s.mtx.RUnlock()
	if !ok {
		return OpenResponse{}, errors.Wrapf(cursor.ErrInvalidArgument, "unknown dataset %q", req.Dataset)
	}
	if req.BatchSize < 0 {
		return OpenResponse{}, errors.Wrapf(cursor.ErrInvalidArgument, "negative batch size %d", req.BatchSize)
	}

	first, rest := split(docs, s.batchSize(req.BatchSize))
	resp := OpenResponse{Namespace: req.Namespace, FirstBatch: first}
	if len(rest) == 0 {
		return resp, nil
	}
	resp.CursorID = s.nextID.Inc()
	s.cursors.Add(resp.CursorID, &openCursor{ns: req.Namespace, docs: rest})
	s.opened.Inc()
	return resp, nil
}

// GetMore returns the next batch of a cursor. An exhausted cursor is
// closed and reported with a zero ID.
func (s *Store) GetMore(req cursor.GetMoreRequest) (cursor.Response, error) {
	if req.BatchSize < 0 {
		return cursor.Response{}, errors.Wrapf(cursor.ErrInvalidArgument, "negative batch size %d", req.BatchSize)
	}
	c, ok := s.cursors.Get(req.CursorID)
	if !ok {
		return cursor.Response{}, errors.Wrapf(ErrCursorNotFound, "cursor %d", req.CursorID)
	}
	if c.ns != req.Namespace {
		return cursor.Response{}, errors.Wrapf(cursor.ErrInvalidArgument, "cursor %d iterates %q, not %q", req.CursorID, c.ns, req.Namespace)
	}

	c.mtx.Lock()
	batch, rest := split(c.docs, s.batchSize(req.BatchSize))
	c.docs = rest
	c.mtx.Unlock()

	resp := cursor.Response{Namespace: req.Namespace, CursorID: req.CursorID, Batch: batch}
	if len(rest) == 0 {
		resp.CursorID = 0
		c.closing.Store(true)
		s.cursors.Remove(req.CursorID)
	}
	return resp, nil
}

// Kill closes the given cursors of ns.
func (s *Store) Kill(req cursor.KillCursorsRequest) KillCursorsResponse {
	resp := KillCursorsResponse{CursorsKilled: []int64{}, CursorsNotFound: []int64{}}
	for _, id := range req.CursorIDs {
		c, ok := s.cursors.Peek(id)
		if !ok || c.ns != req.Namespace {
			resp.CursorsNotFound = append(resp.CursorsNotFound, id)
			continue
		}
		c.closing.Store(true)
		s.cursors.Remove(id)
		resp.CursorsKilled = append(resp.CursorsKilled, id)
	}
	return resp
}

// Cursors returns the sorted IDs of the open cursors.
func (s *Store) Cursors() []int64 {
	ids := s.cursors.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) batchSize(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.defaultBatchSize
}

func split(docs []document.Document, n int) ([]document.Document, []document.Document) {
	if n >= len(docs) {
		return docs, nil
	}
	return docs[:n:n], docs[n:]
}
