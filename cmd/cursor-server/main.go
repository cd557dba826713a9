// Command cursor-server serves JSON-lines datasets as remote cursors over
// HTTP. It can also open one cursor per dataset at startup and write the
// $mergeCursors pipeline merging them, for mergecursors to run.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/document"
	"github.com/cortexproject/mergecursors/pkg/executor"
	"github.com/cortexproject/mergecursors/pkg/mergecursors"
	"github.com/cortexproject/mergecursors/pkg/merger"
	"github.com/cortexproject/mergecursors/pkg/pipeline"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
	"github.com/cortexproject/mergecursors/pkg/util/concurrency"
	"github.com/cortexproject/mergecursors/pkg/util/flagext"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

func init() {
	prometheus.MustRegister(versioncollector.NewCollector("cursor_server"))
}

const configFileOption = "config.file"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the root config of cursor-server.
type Config struct {
	Log    util_log.Config `yaml:"log"`
	Server ServerConfig    `yaml:"server"`
	Plan   PlanConfig      `yaml:"plan"`
}

// ServerConfig configures the HTTP server and the cursor store.
type ServerConfig struct {
	ListenAddress    string              `yaml:"listen_address"`
	AdvertiseAddress string              `yaml:"advertise_address"`
	MaxOpenCursors   int                 `yaml:"max_open_cursors"`
	DefaultBatchSize int                 `yaml:"default_batch_size"`
	Datasets         flagext.StringSlice `yaml:"datasets"`
	LoadConcurrency  int                 `yaml:"load_concurrency"`
	ShutdownTimeout  time.Duration       `yaml:"shutdown_timeout"`
}

// PlanConfig configures the pipeline written at startup.
type PlanConfig struct {
	File           string `yaml:"file"`
	Namespace      string `yaml:"namespace"`
	Sort           string `yaml:"sort"`
	FirstBatchSize int    `yaml:"first_batch_size"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Log.RegisterFlags(f)
	cfg.Server.RegisterFlags(f)
	cfg.Plan.RegisterFlags(f)
}

// RegisterFlags registers flags.
func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, "server.listen-address", ":9095", "Address to serve cursors and metrics on.")
	f.StringVar(&cfg.AdvertiseAddress, "server.advertise-address", "", "host:port written into plans. Defaults to the listen address.")
	f.IntVar(&cfg.MaxOpenCursors, "server.max-open-cursors", 1000, "Open cursors kept before the least recently used one is killed.")
	f.IntVar(&cfg.DefaultBatchSize, "server.default-batch-size", 101, "Batch size of getMores that do not ask for one.")
	f.Var(&cfg.Datasets, "server.dataset", "Dataset to serve as name=path.jsonl. Repeat for several datasets.")
	f.IntVar(&cfg.LoadConcurrency, "server.load-concurrency", 4, "Datasets loaded in parallel at startup.")
	f.DurationVar(&cfg.ShutdownTimeout, "server.shutdown-timeout", 10*time.Second, "Time allowed for in-flight requests on shutdown.")
}

// RegisterFlags registers flags.
func (cfg *PlanConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.File, "plan.file", "", "If set, open a cursor on every dataset and write the pipeline merging them to this file.")
	f.StringVar(&cfg.Namespace, "plan.namespace", "test.docs", "Namespace the planned cursors iterate.")
	f.StringVar(&cfg.Sort, "plan.sort", "", "Sort datasets by this key, e.g. \"a,-b\", and plan a presorted $sort over the merge.")
	f.IntVar(&cfg.FirstBatchSize, "plan.first-batch-size", 0, "Documents returned with each cursor when it is opened. 0 uses the default batch size.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.Server.MaxOpenCursors <= 0 {
		return errors.New("max open cursors must be positive")
	}
	if cfg.Server.DefaultBatchSize <= 0 {
		return errors.New("default batch size must be positive")
	}
	if cfg.Server.LoadConcurrency <= 0 {
		return errors.New("load concurrency must be positive")
	}
	if _, err := parseDatasets(cfg.Server.Datasets); err != nil {
		return err
	}
	if _, err := sortkey.ParsePattern(cfg.Plan.Sort); err != nil {
		return errors.Wrap(err, "invalid plan sort")
	}
	if cfg.Plan.File != "" && len(cfg.Server.Datasets) == 0 {
		return errors.New("a plan needs at least one dataset")
	}
	return nil
}

type datasetSpec struct {
	name, path string
}

func parseDatasets(specs []string) ([]datasetSpec, error) {
	seen := map[string]struct{}{}
	out := make([]datasetSpec, 0, len(specs))
	for _, s := range specs {
		name, path, ok := strings.Cut(s, "=")
		if !ok || name == "" || path == "" {
			return nil, errors.Errorf("dataset %q is not name=path", s)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("dataset %q given twice", name)
		}
		seen[name] = struct{}{}
		out = append(out, datasetSpec{name: name, path: path})
	}
	return out, nil
}

func main() {
	var cfg Config

	configFile := parseConfigFileParameter()
	flagext.RegisterFlags(&cfg)
	if configFile != "" {
		if err := LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load.")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		os.Exit(1)
	}

	util_log.InitLogger(&cfg.Log)
	logger := util_log.Logger
	level.Info(logger).Log("msg", "Starting cursor-server", "version", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := executor.NewStore(cfg.Server.MaxOpenCursors, cfg.Server.DefaultBatchSize, logger, prometheus.DefaultRegisterer)
	util_log.CheckFatal("initializing store", err)

	pattern, _ := sortkey.ParsePattern(cfg.Plan.Sort)
	specs, _ := parseDatasets(cfg.Server.Datasets)
	util_log.CheckFatal("loading datasets", loadDatasets(ctx, store, specs, pattern, cfg.Server.LoadConcurrency, logger))

	listener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	util_log.CheckFatal("listening", err)

	if cfg.Plan.File != "" {
		host := cfg.Server.AdvertiseAddress
		if host == "" {
			host = listener.Addr().String()
		}
		plan, err := buildPlan(store, host, cfg.Plan, pattern, logger)
		util_log.CheckFatal("building plan", err)
		util_log.CheckFatal("writing plan", os.WriteFile(cfg.Plan.File, plan, 0o644))
		level.Info(logger).Log("msg", "wrote plan", "file", cfg.Plan.File, "cursors", len(store.Cursors()))
	}

	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.Handler())
	router.PathPrefix(executor.ListPath).Handler(executor.NewHandler(store, logger))
	srv := &http.Server{Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			level.Warn(logger).Log("msg", "error shutting down server", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "serving cursors", "addr", listener.Addr().String(), "datasets", strings.Join(store.Datasets(), ","))
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		util_log.CheckFatal("serving", err)
	}
}

// loadDatasets reads every dataset into store, sorting it by pattern when
// pattern is not empty.
func loadDatasets(ctx context.Context, store *executor.Store, specs []datasetSpec, pattern sortkey.Pattern, concurrencyLimit int, logger log.Logger) error {
	return concurrency.ForEach(ctx, specs, concurrencyLimit, func(ctx context.Context, spec datasetSpec) error {
		f, err := os.Open(spec.path)
		if err != nil {
			return errors.Wrapf(err, "dataset %s", spec.name)
		}
		defer f.Close()

		docs, err := readDocuments(ctx, f, pattern)
		if err != nil {
			return errors.Wrapf(err, "dataset %s", spec.name)
		}
		store.AddDataset(spec.name, docs)
		level.Info(logger).Log("msg", "loaded dataset", "dataset", spec.name, "documents", len(docs))
		return nil
	})
}

func readDocuments(ctx context.Context, r io.Reader, pattern sortkey.Pattern) ([]document.Document, error) {
	var (
		docs []document.Document
		keys []string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for line := 1; scanner.Scan(); line++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc document.Document
		if err := json.UnmarshalFromString(text, &doc); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if !pattern.IsEmpty() {
			key, err := pattern.Encode(doc)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			keys = append(keys, key)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !pattern.IsEmpty() {
		sort.Stable(byKey{docs: docs, keys: keys})
	}
	return docs, nil
}

type byKey struct {
	docs []document.Document
	keys []string
}

func (b byKey) Len() int           { return len(b.docs) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.docs[i], b.docs[j] = b.docs[j], b.docs[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

// buildPlan opens a cursor on every dataset of store and serializes the
// pipeline merging them. The plan owns the cursors it lists.
func buildPlan(store *executor.Store, host string, cfg PlanConfig, pattern sortkey.Pattern, logger log.Logger) ([]byte, error) {
	var remotes []cursor.Remote
	for _, name := range store.Datasets() {
		open, err := store.Open(executor.OpenRequest{Namespace: cfg.Namespace, Dataset: name, BatchSize: cfg.FirstBatchSize})
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, cursor.Remote{ShardID: name, Host: host, CursorID: open.CursorID, Batch: open.FirstBatch})
	}

	merge, err := mergecursors.Create(&pipeline.ExpressionContext{Logger: logger}, &merger.Params{Namespace: cfg.Namespace, Remotes: remotes})
	if err != nil {
		return nil, err
	}
	stages := []pipeline.Stage{merge}
	if !pattern.IsEmpty() {
		s, err := pipeline.NewSort(pattern, 0, true)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	p, err := pipeline.New(stages...)
	if err != nil {
		return nil, err
	}
	return p.Release(context.Background())
}

// Parse -config.file option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter() string {
	var configFile = ""
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")

	args := os.Args[1:]
	for len(args) > 0 {
		_ = fs.Parse(args)
		if configFile != "" {
			break
		}
		args = args[1:]
	}
	return configFile
}

// LoadConfig read YAML-formatted config from filename into cfg.
func LoadConfig(filename string, cfg *Config) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrap(err, "Error parsing config file")
	}
	return nil
}
