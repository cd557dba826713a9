package mergecursors

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/merger"
	"github.com/cortexproject/mergecursors/pkg/pipeline"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
)

var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// spec is the body of {"$mergeCursors": {...}}.
type spec struct {
	Namespace           string          `json:"ns"`
	Remotes             []cursor.Remote `json:"remotes"`
	Sort                sortkey.Pattern `json:"sort,omitempty"`
	Tailable            bool            `json:"tailable,omitempty"`
	BatchSize           int             `json:"batchSize,omitempty"`
	AllowPartialResults bool            `json:"allowPartialResults,omitempty"`
}

// Pending batches are forwarded whole: an unclaimed stage never consumed any of them.
func encode(p *merger.Params) ([]byte, error) {
	return json.Marshal(map[string]spec{StageName: {
		Namespace:           p.Namespace,
		Remotes:             p.Remotes,
		Sort:                p.Sort,
		Tailable:            p.Tailable,
		BatchSize:           p.BatchSize,
		AllowPartialResults: p.AllowPartialResults,
	}})
}

// Parse rebuilds an unclaimed stage from the body of a serialized
// $mergeCursors object. The stage owns the cursors it lists.
func Parse(body []byte, expCtx *pipeline.ExpressionContext) (pipeline.Stage, error) {
	var sp spec
	if err := json.Unmarshal(body, &sp); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	s, err := Create(expCtx, &merger.Params{
		Namespace:           sp.Namespace,
		Remotes:             sp.Remotes,
		Sort:                sp.Sort,
		Tailable:            sp.Tailable,
		BatchSize:           sp.BatchSize,
		AllowPartialResults: sp.AllowPartialResults,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
