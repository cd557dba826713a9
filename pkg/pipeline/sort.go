package pipeline

import (
	"context"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
)

const (
	SortStageName  = "$sort"
	LimitStageName = "$limit"
)

// strict rejects fields a stage does not know about.
var strict = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

func init() {
	RegisterStage(SortStageName, parseSort)
	RegisterStage(LimitStageName, parseLimit)
}

// SortStage orders its whole input. It blocks until the source is exhausted.
type SortStage struct {
	pattern sortkey.Pattern
	limit   int64
	// mergePresorted is set by the planner when every input stream reaching
	// this stage is already ordered by pattern.
	mergePresorted bool

	source   Stage
	buf      []document.Document
	loaded   bool
	disposed bool
}

type sortSpec struct {
	SortKey        sortkey.Pattern `json:"sortKey"`
	Limit          int64           `json:"limit,omitempty"`
	MergePresorted bool            `json:"mergePresorted,omitempty"`
}

// NewSort returns a sort stage. A zero limit keeps every document.
func NewSort(pattern sortkey.Pattern, limit int64, mergePresorted bool) (*SortStage, error) {
	if pattern.IsEmpty() {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, "$sort needs at least one field")
	}
	if err := pattern.Validate(); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	if limit < 0 {
		return nil, errors.Wrapf(cursor.ErrInvalidArgument, "negative $sort limit %d", limit)
	}
	return &SortStage{pattern: pattern, limit: limit, mergePresorted: mergePresorted}, nil
}

func parseSort(body []byte, _ *ExpressionContext) (Stage, error) {
	var spec sortSpec
	if err := strict.Unmarshal(body, &spec); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	return NewSort(spec.SortKey, spec.Limit, spec.MergePresorted)
}

func (s *SortStage) Name() string { return SortStageName }

// Pattern returns the sort specification.
func (s *SortStage) Pattern() sortkey.Pattern { return s.pattern }

// Limit returns the number of documents kept, zero meaning all.
func (s *SortStage) Limit() int64 { return s.limit }

// MergePresorted reports whether the inputs are known to be ordered already.
func (s *SortStage) MergePresorted() bool { return s.mergePresorted }

func (s *SortStage) SetSource(src Stage) { s.source = src }

func (s *SortStage) GetNext(ctx context.Context) (Result, error) {
	if s.disposed {
		return Result{Status: EOF}, errors.Wrap(cursor.ErrIllegalState, "$sort is disposed")
	}
	if !s.loaded {
		if err := s.load(ctx); err != nil {
			return Result{Status: EOF}, err
		}
		s.loaded = true
	}
	if len(s.buf) == 0 {
		return Result{Status: EOF}, nil
	}
	doc := s.buf[0]
	s.buf[0] = nil
	s.buf = s.buf[1:]
	return Result{Doc: doc, Status: Advanced}, nil
}

func (s *SortStage) load(ctx context.Context) error {
	if s.source == nil {
		return errors.Wrap(cursor.ErrIllegalState, "$sort has no source")
	}

	type keyed struct {
		key string
		doc document.Document
	}
	var all []keyed
	for {
		res, err := s.source.GetNext(ctx)
		if err != nil {
			return err
		}
		switch res.Status {
		case EOF:
			sort.SliceStable(all, func(i, j int) bool { return all[i].key < all[j].key })
			if s.limit > 0 && int64(len(all)) > s.limit {
				all = all[:s.limit]
			}
			s.buf = make([]document.Document, 0, len(all))
			for _, k := range all {
				s.buf = append(s.buf, k.doc)
			}
			return nil
		case Paused:
			return errors.Wrap(cursor.ErrIllegalState, "$sort cannot consume a tailable stream")
		}
		key, err := s.pattern.Encode(res.Doc)
		if err != nil {
			return errors.Wrap(err, "$sort")
		}
		all = append(all, keyed{key: key, doc: res.Doc})
	}
}

func (s *SortStage) Serialize() ([]byte, error) {
	return json.Marshal(map[string]sortSpec{SortStageName: {
		SortKey:        s.pattern,
		Limit:          s.limit,
		MergePresorted: s.mergePresorted,
	}})
}

func (s *SortStage) Dispose(context.Context) {
	s.disposed = true
	s.buf = nil
}
