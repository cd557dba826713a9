package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
)

// StageParser builds a stage from the body of its single-key object.
type StageParser func(body []byte, expCtx *ExpressionContext) (Stage, error)

var (
	registryMtx sync.RWMutex
	registry    = map[string]StageParser{}
)

// RegisterStage makes a stage parseable under name. It panics if name is
// already registered.
func RegisterStage(name string, parser StageParser) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("stage %s registered twice", name))
	}
	registry[name] = parser
}

// RegisteredStages returns the sorted names of every registered stage.
func RegisteredStages() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseStage builds one stage from a single-key object such as {"$limit": 5}.
func ParseStage(data []byte, expCtx *ExpressionContext) (Stage, error) {
	var obj map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	if len(obj) != 1 {
		return nil, errors.Wrapf(cursor.ErrInvalidArgument, "stage object must have exactly one field, got %d", len(obj))
	}
	var (
		name string
		body jsoniter.RawMessage
	)
	for name, body = range obj {
	}

	registryMtx.RLock()
	parser, ok := registry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, errors.Wrapf(cursor.ErrInvalidArgument, "unrecognized stage %q", name)
	}
	s, err := parser(body, expCtx)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", name)
	}
	return s, nil
}

// Parse builds a pipeline from the JSON array produced by Pipeline.Serialize.
// Stages already built are disposed if a later one fails to parse.
func Parse(data []byte, expCtx *ExpressionContext) (*Pipeline, error) {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}

	stages := make([]Stage, 0, len(raw))
	disposeAll := func() {
		for _, s := range stages {
			s.Dispose(context.Background())
		}
	}
	for i, r := range raw {
		s, err := ParseStage(r, expCtx)
		if err != nil {
			disposeAll()
			return nil, errors.Wrapf(err, "stage %d", i)
		}
		stages = append(stages, s)
	}

	p, err := New(stages...)
	if err != nil {
		disposeAll()
		return nil, err
	}
	p.logger = expCtx.GetLogger()
	return p, nil
}
