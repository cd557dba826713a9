package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/mergecursors/pkg/cursor/cursortest"
	"github.com/cortexproject/mergecursors/pkg/util/flagext"
)

const twoShardPipeline = `[
	{"$mergeCursors":{"ns":"db.c","remotes":[
		{"shardId":"a","hostAndPort":"a:1","cursorId":1,"batch":[{"k":1}]},
		{"shardId":"b","hostAndPort":"b:1","cursorId":2}
	]}},
	{"$sort":{"sortKey":[{"field":"k","direction":1}],"mergePresorted":true}}
]`

func testPipelineConfig() PipelineConfig {
	var cfg Config
	flagext.DefaultValues(&cfg)
	return cfg.Pipeline
}

func TestRun_DrainsMergedPipeline(t *testing.T) {
	exec := cursortest.NewExecutor()
	exec.AddCursor("a:1", 1, cursortest.Docs("k", 3))
	exec.AddCursor("b:1", 2, cursortest.Docs("k", 2, 4))

	var out bytes.Buffer
	err := run(context.Background(), testPipelineConfig(), exec, prometheus.NewPedanticRegistry(), strings.NewReader(twoShardPipeline), &out, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, "{\"k\":1}\n{\"k\":2}\n{\"k\":3}\n{\"k\":4}\n", out.String())
	assert.Empty(t, exec.KillRequests())
}

func TestRun_ReleasesWithoutClaiming(t *testing.T) {
	exec := cursortest.NewExecutor()
	cfg := testPipelineConfig()
	cfg.ReleaseTo = filepath.Join(t.TempDir(), "released.json")

	var out bytes.Buffer
	err := run(context.Background(), cfg, exec, prometheus.NewPedanticRegistry(), strings.NewReader(twoShardPipeline), &out, log.NewNopLogger())
	require.NoError(t, err)

	assert.Empty(t, out.String())
	assert.Empty(t, exec.GetMoreRequests())
	assert.Empty(t, exec.KillRequests())

	released, err := os.ReadFile(cfg.ReleaseTo)
	require.NoError(t, err)
	// The presorted $sort was absorbed before the hand-off.
	assert.JSONEq(t, `[{"$mergeCursors":{"ns":"db.c","remotes":[
		{"shardId":"a","hostAndPort":"a:1","cursorId":1,"batch":[{"k":1}]},
		{"shardId":"b","hostAndPort":"b:1","cursorId":2}
	],"sort":[{"field":"k","direction":1}]}}]`, string(released))
}

func TestRun_KillsClaimedCursorsOnExit(t *testing.T) {
	exec := cursortest.NewExecutor()
	exec.AddCursor("a:1", 1, cursortest.Docs("k", 1), cursortest.Docs("k", 3), cursortest.Docs("k", 5))
	exec.AddCursor("b:1", 2, cursortest.Docs("k", 2), cursortest.Docs("k", 4), cursortest.Docs("k", 6))
	cfg := testPipelineConfig()
	cfg.Optimize = false

	var out bytes.Buffer
	err := run(context.Background(), cfg, exec, prometheus.NewPedanticRegistry(), strings.NewReader(`[
		{"$mergeCursors":{"ns":"db.c","remotes":[
			{"shardId":"a","hostAndPort":"a:1","cursorId":1},
			{"shardId":"b","hostAndPort":"b:1","cursorId":2}
		]}},
		{"$limit":1}
	]`), &out, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Equal(t, []int64{1, 2}, exec.KilledCursors())
}

func TestRun_RejectsBadPipeline(t *testing.T) {
	err := run(context.Background(), testPipelineConfig(), cursortest.NewExecutor(), prometheus.NewPedanticRegistry(), strings.NewReader(`[{"$group":{}}]`), &bytes.Buffer{}, log.NewNopLogger())
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
log:
  log_level: debug
executor:
  request_timeout: 3s
  backoff:
    max_retries: 7
pipeline:
  file: plan.json
  follow: true
`), 0o644))

	var cfg Config
	flagext.DefaultValues(&cfg)
	require.NoError(t, LoadConfig(good, &cfg))
	assert.Equal(t, "debug", cfg.Log.LogLevel.String())
	assert.Equal(t, 7, cfg.Executor.Backoff.MaxRetries)
	assert.Equal(t, "plan.json", cfg.Pipeline.File)
	assert.True(t, cfg.Pipeline.Follow)
	// Unset fields keep their flag defaults.
	assert.True(t, cfg.Pipeline.Optimize)
	require.NoError(t, cfg.Validate())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pipeline:\n  unknown: 1\n"), 0o644))
	require.Error(t, LoadConfig(bad, &cfg))
}
