package mergecursors

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/cursor/cursortest"
	"github.com/cortexproject/mergecursors/pkg/document"
	"github.com/cortexproject/mergecursors/pkg/merger"
	"github.com/cortexproject/mergecursors/pkg/pipeline"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
)

var byK = sortkey.Pattern{{Path: "k", Direction: sortkey.Ascending}}

func newExpCtx(exec cursor.Executor) *pipeline.ExpressionContext {
	return &pipeline.ExpressionContext{
		Executor: exec,
		Metrics:  merger.NewMetrics(prometheus.NewPedanticRegistry()),
	}
}

// threeShards registers A=[1,4,7], B=[2,5,8], C=[3,6,9] on the executor.
func threeShards(exec *cursortest.Executor) []cursor.Remote {
	exec.AddCursor("a:1", 1, cursortest.Docs("k", 1, 4), cursortest.Docs("k", 7))
	exec.AddCursor("b:1", 2, cursortest.Docs("k", 2), cursortest.Docs("k", 5, 8))
	exec.AddCursor("c:1", 3, cursortest.Docs("k", 3, 6, 9))
	return []cursor.Remote{
		{ShardID: "a", Host: "a:1", CursorID: 1},
		{ShardID: "b", Host: "b:1", CursorID: 2},
		{ShardID: "c", Host: "c:1", CursorID: 3},
	}
}

func pullAll(t *testing.T, s pipeline.Stage) []interface{} {
	t.Helper()
	var out []interface{}
	for {
		res, err := s.GetNext(context.Background())
		require.NoError(t, err)
		if res.Status == pipeline.EOF {
			return out
		}
		require.Equal(t, pipeline.Advanced, res.Status)
		out = append(out, res.Doc["k"])
	}
}

func TestCreate_Validation(t *testing.T) {
	for name, tc := range map[string]struct {
		params *merger.Params
	}{
		"nil params":     {params: nil},
		"no remotes":     {params: &merger.Params{Namespace: "db.c"}},
		"tailable sort":  {params: &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}, Sort: byK, Tailable: true}},
		"bad sort field": {params: &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}, Sort: sortkey.Pattern{{Path: ""}}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Create(nil, tc.params)
			require.ErrorIs(t, err, cursor.ErrInvalidArgument)
		})
	}
}

func TestCreateThenDispose_KillsNothing(t *testing.T) {
	exec := cursortest.NewExecutor()
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: threeShards(exec)})
	require.NoError(t, err)

	s.Dispose(context.Background())
	s.Dispose(context.Background())

	assert.Empty(t, exec.KillRequests())
	assert.Empty(t, exec.GetMoreRequests())
}

func TestDisposeThenPull_IsIllegal(t *testing.T) {
	exec := cursortest.NewExecutor()
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: threeShards(exec)})
	require.NoError(t, err)

	s.Dispose(context.Background())
	_, err = s.GetNext(context.Background())
	require.ErrorIs(t, err, cursor.ErrIllegalState)
	assert.Empty(t, exec.GetMoreRequests())
}

func TestGetNext_ClaimsOnce(t *testing.T) {
	exec := cursortest.NewExecutor()
	params := &merger.Params{Namespace: "db.c", Remotes: threeShards(exec), Sort: byK}
	s, err := Create(newExpCtx(exec), params)
	require.NoError(t, err)
	assert.Empty(t, exec.GetMoreRequests())

	assert.Equal(t, []interface{}{1, 2, 3, 4, 5, 6, 7, 8, 9}, pullAll(t, s))
	assert.True(t, params.Consumed())
	assert.Nil(t, params.Remotes)

	assert.IsType(t, &active{}, s.state)

	s.Dispose(context.Background())
	assert.Empty(t, exec.KillRequests(), "exhausted cursors need no kill")
}

func TestGetNext_Unsorted(t *testing.T) {
	exec := cursortest.NewExecutor()
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: threeShards(exec)})
	require.NoError(t, err)

	assert.ElementsMatch(t, []interface{}{1, 2, 3, 4, 5, 6, 7, 8, 9}, pullAll(t, s))
}

func TestSerializeParse_RoundTrip(t *testing.T) {
	params := &merger.Params{
		Namespace: "db.c",
		Remotes: []cursor.Remote{
			{ShardID: "a", Host: "a:1", CursorID: 10, Batch: []document.Document{{"k": 1}, {"k": 2}}},
			{ShardID: "b", Host: "b:1", CursorID: 20},
		},
		Sort:                sortkey.Pattern{{Path: "k", Direction: sortkey.Descending}},
		BatchSize:           100,
		AllowPartialResults: true,
	}
	s, err := Create(nil, params)
	require.NoError(t, err)

	data, err := s.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{"$mergeCursors":{
		"ns":"db.c",
		"remotes":[
			{"shardId":"a","hostAndPort":"a:1","cursorId":10,"batch":[{"k":1},{"k":2}]},
			{"shardId":"b","hostAndPort":"b:1","cursorId":20}
		],
		"sort":[{"field":"k","direction":-1}],
		"batchSize":100,
		"allowPartialResults":true
	}}`, string(data))

	parsed, err := pipeline.ParseStage(data, nil)
	require.NoError(t, err)
	ps := parsed.(*Stage)
	require.IsType(t, &unclaimed{}, ps.state)
	got := ps.state.(*unclaimed).params
	assert.Equal(t, "db.c", got.Namespace)
	assert.True(t, got.Sort.Equal(params.Sort))
	assert.Equal(t, 100, got.BatchSize)
	assert.True(t, got.AllowPartialResults)
	require.Len(t, got.Remotes, 2)
	assert.Equal(t, "a:1", got.Remotes[0].Host)
	assert.Equal(t, int64(10), got.Remotes[0].CursorID)
	assert.Equal(t, []interface{}{float64(1), float64(2)}, cursortest.Values("k", got.Remotes[0].Batch))
	assert.Equal(t, cursor.Remote{ShardID: "b", Host: "b:1", CursorID: 20}, got.Remotes[1])

	// Serializing again yields the same bytes.
	again, err := parsed.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestParse_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field":        `{"ns":"db.c","remotes":[{"shardId":"a"}],"extra":true}`,
		"unknown remote field": `{"ns":"db.c","remotes":[{"shardId":"a","bogus":1}]}`,
		"no remotes":           `{"ns":"db.c","remotes":[]}`,
		"not an object":        `[]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), nil)
			require.ErrorIs(t, err, cursor.ErrInvalidArgument)
		})
	}
}

func TestSerialize_AfterClaimOrDispose(t *testing.T) {
	exec := cursortest.NewExecutor()
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: threeShards(exec)})
	require.NoError(t, err)

	_, err = s.GetNext(context.Background())
	require.NoError(t, err)
	_, err = s.Serialize()
	require.ErrorIs(t, err, cursor.ErrUnreachable)

	s.Dispose(context.Background())
	_, err = s.Serialize()
	require.ErrorIs(t, err, cursor.ErrIllegalState)
}

func TestOptimizeAt(t *testing.T) {
	presorted, err := pipeline.NewSort(byK, 0, true)
	require.NoError(t, err)
	presortedWithLimit, err := pipeline.NewSort(byK, 5, true)
	require.NoError(t, err)
	notPresorted, err := pipeline.NewSort(byK, 0, false)
	require.NoError(t, err)
	limit, err := pipeline.NewLimit(3)
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		params       *merger.Params
		next         pipeline.Stage
		expected     pipeline.Action
		expectedSort sortkey.Pattern
	}{
		"absorbs presorted sort": {
			params:       &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}},
			next:         presorted,
			expected:     pipeline.Remove,
			expectedSort: byK,
		},
		"sort limit becomes $limit": {
			params:       &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}},
			next:         presortedWithLimit,
			expected:     pipeline.Replace,
			expectedSort: byK,
		},
		"sort not presorted": {
			params:   &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}},
			next:     notPresorted,
			expected: pipeline.Keep,
		},
		"already sorted": {
			params:       &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}, Sort: sortkey.Pattern{{Path: "x", Direction: sortkey.Ascending}}},
			next:         presorted,
			expected:     pipeline.Keep,
			expectedSort: sortkey.Pattern{{Path: "x", Direction: sortkey.Ascending}},
		},
		"tailable": {
			params:   &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}, Tailable: true},
			next:     presorted,
			expected: pipeline.Keep,
		},
		"not a sort": {
			params:   &merger.Params{Remotes: []cursor.Remote{{ShardID: "a"}}},
			next:     limit,
			expected: pipeline.Keep,
		},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := Create(nil, tc.params)
			require.NoError(t, err)

			rw := s.OptimizeAt(tc.next)
			assert.Equal(t, tc.expected, rw.Action)
			assert.True(t, tc.params.Sort.Equal(tc.expectedSort), "sort is %s", tc.params.Sort)
			if rw.Action == pipeline.Replace {
				require.Len(t, rw.Replacement, 1)
				assert.Equal(t, int64(5), rw.Replacement[0].(*pipeline.LimitStage).N())
			}
		})
	}
}

func TestOptimizeAt_NoopOnceClaimed(t *testing.T) {
	exec := cursortest.NewExecutor()
	params := &merger.Params{Namespace: "db.c", Remotes: threeShards(exec)}
	s, err := Create(newExpCtx(exec), params)
	require.NoError(t, err)
	_, err = s.GetNext(context.Background())
	require.NoError(t, err)

	presorted, err := pipeline.NewSort(byK, 0, true)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Keep, s.OptimizeAt(presorted).Action)
	s.Dispose(context.Background())
}

func TestPipeline_AbsorbsSortAndMerges(t *testing.T) {
	exec := cursortest.NewExecutor()
	threeShards(exec)
	// b stays open after the limit is reached.
	exec.AddCursor("b:1", 2, cursortest.Docs("k", 2), cursortest.Docs("k", 5, 8), cursortest.Docs("k", 10), cursortest.Docs("k", 11))
	p, err := pipeline.Parse([]byte(`[
		{"$mergeCursors":{"ns":"db.c","remotes":[
			{"shardId":"a","hostAndPort":"a:1","cursorId":1},
			{"shardId":"b","hostAndPort":"b:1","cursorId":2},
			{"shardId":"c","hostAndPort":"c:1","cursorId":3}
		]}},
		{"$sort":{"sortKey":[{"field":"k","direction":1}],"limit":7,"mergePresorted":true}}
	]`), newExpCtx(exec))
	require.NoError(t, err)
	require.NoError(t, p.Optimize(context.Background()))

	stages := p.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, StageName, stages[0].Name())
	assert.Equal(t, pipeline.LimitStageName, stages[1].Name())

	var got []interface{}
	for {
		res, err := p.GetNext(context.Background())
		require.NoError(t, err)
		if res.Status == pipeline.EOF {
			break
		}
		got = append(got, res.Doc["k"])
	}
	assert.Equal(t, []interface{}{1, 2, 3, 4, 5, 6, 7}, got)

	p.Dispose(context.Background())
	assert.Equal(t, []int64{2}, exec.KilledCursors())
}

func TestDispose_InterruptsBlockedPull(t *testing.T) {
	exec := cursortest.NewExecutor()
	exec.AddCursor("h", 1, cursortest.Docs("k", 1))
	exec.Block()
	defer exec.Unblock()

	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: []cursor.Remote{{ShardID: "a", Host: "h", CursorID: 1}}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.GetNext(context.Background())
		done <- err
	}()

	select {
	case <-exec.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("getMore was never issued")
	}
	s.Dispose(context.Background())

	select {
	case err := <-done:
		require.ErrorIs(t, err, cursor.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNext did not return after Dispose")
	}
	assert.Equal(t, []int64{1}, exec.KilledCursors())
}

func TestDisposeTwice_KillsOnce(t *testing.T) {
	exec := cursortest.NewExecutor()
	exec.AddCursor("h", 1, cursortest.Docs("k", 1), cursortest.Docs("k", 2), cursortest.Docs("k", 3))
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: []cursor.Remote{{ShardID: "a", Host: "h", CursorID: 1}}})
	require.NoError(t, err)

	res, err := s.GetNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.Advanced, res.Status)

	s.Dispose(context.Background())
	s.Dispose(context.Background())

	assert.Equal(t, []int64{1}, exec.KilledCursors())
	assert.Len(t, exec.KillRequests(), 1)
}

func TestRelease_HandsOffOwnership(t *testing.T) {
	exec := cursortest.NewExecutor()
	remotes := threeShards(exec)
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: remotes})
	require.NoError(t, err)

	data, err := s.Release()
	require.NoError(t, err)
	s.Dispose(context.Background())
	assert.Empty(t, exec.KillRequests())

	_, err = s.GetNext(context.Background())
	require.ErrorIs(t, err, cursor.ErrIllegalState)
	_, err = s.Release()
	require.ErrorIs(t, err, cursor.ErrIllegalState)

	// The receiving node owns the cursors now, and kills them once it claimed.
	received, err := pipeline.ParseStage(data, newExpCtx(exec))
	require.NoError(t, err)
	res, err := received.GetNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.Advanced, res.Status)
	received.Dispose(context.Background())
	assert.NotEmpty(t, exec.KillRequests())
}

func TestReattach(t *testing.T) {
	exec := cursortest.NewExecutor()
	exec.AddCursor("h", 1, cursortest.Docs("k", 1), cursortest.Docs("k", 2))
	s, err := Create(newExpCtx(exec), &merger.Params{Namespace: "db.c", Remotes: []cursor.Remote{{ShardID: "a", Host: "h", CursorID: 1}}})
	require.NoError(t, err)

	// Unclaimed: detach is a no-op and the session is kept for the claim.
	s.Detach()
	require.NoError(t, s.Reattach(&cursor.Session{ID: "first"}))

	_, err = s.GetNext(context.Background())
	require.NoError(t, err)
	reqs := exec.GetMoreRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "first", reqs[0].Session.ID)

	// Active: reattaching without detaching first is illegal.
	require.ErrorIs(t, s.Reattach(&cursor.Session{ID: "second"}), cursor.ErrIllegalState)
	s.Detach()
	_, err = s.GetNext(context.Background())
	require.ErrorIs(t, err, cursor.ErrIllegalState)
	require.NoError(t, s.Reattach(&cursor.Session{ID: "second"}))

	s.Dispose(context.Background())
	require.ErrorIs(t, s.Reattach(&cursor.Session{ID: "third"}), cursor.ErrIllegalState)
}

func TestMetrics_CountClaims(t *testing.T) {
	exec := cursortest.NewExecutor()
	reg := prometheus.NewPedanticRegistry()
	expCtx := &pipeline.ExpressionContext{Executor: exec, Metrics: merger.NewMetrics(reg)}

	unclaimedStage, err := Create(expCtx, &merger.Params{Namespace: "db.c", Remotes: []cursor.Remote{{ShardID: "a", Batch: cursortest.Docs("k", 1)}}})
	require.NoError(t, err)
	claimedStage, err := Create(expCtx, &merger.Params{Namespace: "db.c", Remotes: []cursor.Remote{{ShardID: "b", Batch: cursortest.Docs("k", 1, 2)}}})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{1, 2}, pullAll(t, claimedStage))
	unclaimedStage.Dispose(context.Background())
	claimedStage.Dispose(context.Background())

	count, err := testutil.GatherAndCount(reg, "mergecursors_merges_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1.0, gatheredValue(t, reg, "mergecursors_merges_started_total"))
	assert.Equal(t, 2.0, gatheredValue(t, reg, "mergecursors_documents_returned_total"))
}

func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
