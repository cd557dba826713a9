// Package cursortest provides an in-memory cursor.Executor for tests.
package cursortest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
)

type cursorKey struct {
	host string
	id   int64
}

// Executor serves getMores from batches registered with AddCursor and
// records every request it receives.
type Executor struct {
	mtx      sync.Mutex
	batches  map[cursorKey][][]document.Document
	killed   []cursor.KillCursorsRequest
	getMores []cursor.GetMoreRequest
	failures map[cursorKey]error
	killErr  error
	gate     chan struct{}
	started  chan cursor.GetMoreRequest
}

// NewExecutor returns an empty Executor.
func NewExecutor() *Executor {
	return &Executor{
		batches:  map[cursorKey][][]document.Document{},
		failures: map[cursorKey]error{},
		started:  make(chan cursor.GetMoreRequest, 1024),
	}
}

// AddCursor registers the batches returned by successive getMores on the
// cursor. The cursor reports exhaustion with its last batch.
func (e *Executor) AddCursor(host string, id int64, batches ...[]document.Document) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.batches[cursorKey{host, id}] = batches
}

// FailCursor makes every getMore on the cursor fail with err.
func (e *Executor) FailCursor(host string, id int64, err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.failures[cursorKey{host, id}] = err
}

// FailKills makes every killCursors fail with err.
func (e *Executor) FailKills(err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.killErr = err
}

// Block holds every getMore until Unblock is called or its context is cancelled.
func (e *Executor) Block() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.gate == nil {
		e.gate = make(chan struct{})
	}
}

// Unblock releases getMores held by Block.
func (e *Executor) Unblock() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
}

// Started receives every getMore as soon as it reaches the executor.
func (e *Executor) Started() <-chan cursor.GetMoreRequest {
	return e.started
}

// GetMore implements cursor.Executor.
func (e *Executor) GetMore(ctx context.Context, req cursor.GetMoreRequest) (cursor.Response, error) {
	e.mtx.Lock()
	e.getMores = append(e.getMores, req)
	gate := e.gate
	e.mtx.Unlock()

	select {
	case e.started <- req:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return cursor.Response{}, ctx.Err()
		}
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	key := cursorKey{req.Host, req.CursorID}
	if err, ok := e.failures[key]; ok {
		return cursor.Response{}, err
	}
	batches, ok := e.batches[key]
	if !ok {
		return cursor.Response{}, fmt.Errorf("cursor %d not found on %s", req.CursorID, req.Host)
	}
	resp := cursor.Response{Namespace: req.Namespace, CursorID: req.CursorID}
	if len(batches) > 0 {
		resp.Batch = batches[0]
		batches = batches[1:]
	}
	if len(batches) == 0 {
		resp.CursorID = 0
		delete(e.batches, key)
	} else {
		e.batches[key] = batches
	}
	return resp, nil
}

// KillCursors implements cursor.Executor. Like a real transport it fails
// without reaching the host once ctx is done.
func (e *Executor) KillCursors(ctx context.Context, req cursor.KillCursorsRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.killed = append(e.killed, req)
	for _, id := range req.CursorIDs {
		delete(e.batches, cursorKey{req.Host, id})
	}
	return e.killErr
}

// KillRequests returns the killCursors requests received so far.
func (e *Executor) KillRequests() []cursor.KillCursorsRequest {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]cursor.KillCursorsRequest(nil), e.killed...)
}

// KilledCursors returns the sorted IDs of every cursor asked to be killed.
func (e *Executor) KilledCursors() []int64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var ids []int64
	for _, req := range e.killed {
		ids = append(ids, req.CursorIDs...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetMoreRequests returns the getMore requests received so far.
func (e *Executor) GetMoreRequests() []cursor.GetMoreRequest {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]cursor.GetMoreRequest(nil), e.getMores...)
}

// Docs builds documents {key: v} for each v.
func Docs(key string, vs ...interface{}) []document.Document {
	out := make([]document.Document, 0, len(vs))
	for _, v := range vs {
		out = append(out, document.Document{key: v})
	}
	return out
}

// Values extracts key from each document.
func Values(key string, docs []document.Document) []interface{} {
	out := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		out = append(out, d[key])
	}
	return out
}
