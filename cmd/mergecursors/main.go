// Command mergecursors runs a forwarded pipeline headed by $mergeCursors:
// it claims the remote cursors, merges them and prints the documents as
// JSON lines. With -pipeline.release-to it instead hands the optimized
// pipeline on without claiming anything.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/executor"
	_ "github.com/cortexproject/mergecursors/pkg/mergecursors" // registers $mergeCursors
	"github.com/cortexproject/mergecursors/pkg/merger"
	"github.com/cortexproject/mergecursors/pkg/pipeline"
	"github.com/cortexproject/mergecursors/pkg/util/flagext"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

func init() {
	prometheus.MustRegister(versioncollector.NewCollector("mergecursors"))
}

const configFileOption = "config.file"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var testMode = false

// Config is the root config of mergecursors.
type Config struct {
	Log      util_log.Config `yaml:"log"`
	Executor executor.Config `yaml:"executor"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
}

// PipelineConfig says which pipeline to run and how.
type PipelineConfig struct {
	File         string        `yaml:"file"`
	ReleaseTo    string        `yaml:"release_to"`
	SessionID    string        `yaml:"session_id"`
	Optimize     bool          `yaml:"optimize"`
	Follow       bool          `yaml:"follow"`
	PollInterval time.Duration `yaml:"poll_interval"`
	KillTimeout  time.Duration `yaml:"kill_timeout"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Log.RegisterFlags(f)
	cfg.Executor.RegisterFlags(f)
	cfg.Pipeline.RegisterFlags(f)
}

// RegisterFlags registers flags.
func (cfg *PipelineConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.File, "pipeline.file", "-", "Serialized pipeline to run. - reads it from stdin.")
	f.StringVar(&cfg.ReleaseTo, "pipeline.release-to", "", "If set, write the optimized pipeline to this file and hand its remote cursors over instead of running it.")
	f.StringVar(&cfg.SessionID, "pipeline.session-id", "", "Session ID sent with every remote cursor request.")
	f.BoolVar(&cfg.Optimize, "pipeline.optimize", true, "Let stages absorb the stages following them before running.")
	f.BoolVar(&cfg.Follow, "pipeline.follow", false, "Keep polling a tailable pipeline when it pauses, until interrupted.")
	f.DurationVar(&cfg.PollInterval, "pipeline.poll-interval", time.Second, "How long to wait before pulling again from a paused tailable pipeline.")
	f.DurationVar(&cfg.KillTimeout, "pipeline.kill-timeout", 10*time.Second, "Time allowed to kill remote cursors on exit.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if err := cfg.Executor.Validate(); err != nil {
		return errors.Wrap(err, "invalid executor config")
	}
	if cfg.Pipeline.File == "" {
		return errors.New("no pipeline file given")
	}
	if cfg.Pipeline.Follow && cfg.Pipeline.PollInterval <= 0 {
		return errors.New("poll interval must be positive when following a pipeline")
	}
	return nil
}

func main() {
	var cfg Config

	configFile := parseConfigFileParameter()

	// This sets default values from flags to the config.
	// It needs to be called before parsing the config file!
	flagext.RegisterFlags(&cfg)

	if configFile != "" {
		if err := LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			if testMode {
				return
			}
			os.Exit(1)
		}
	}

	// Ignore -config.file here, since it was already parsed, but it's still present on command line.
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load.")

	if testMode {
		// Don't exit on error in test mode. Just parse parameters, dump config and stop.
		flag.CommandLine.Init(flag.CommandLine.Name(), flag.ContinueOnError)
		flag.Parse()
		DumpYaml(&cfg)
		return
	}

	flag.Parse()

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		os.Exit(1)
	}

	util_log.InitLogger(&cfg.Log)
	level.Info(util_log.Logger).Log("msg", "Starting mergecursors", "version", version.Info())

	exec, err := executor.New(cfg.Executor, util_log.Logger, prometheus.DefaultRegisterer)
	util_log.CheckFatal("initializing executor", err)

	in, err := openInput(cfg.Pipeline.File)
	util_log.CheckFatal("opening pipeline", err)
	defer in.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	err = run(ctx, cfg.Pipeline, exec, prometheus.DefaultRegisterer, in, out, util_log.Logger)
	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	util_log.CheckFatal("running pipeline", err)
}

func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

// run parses the pipeline read from in and either releases it or drains it
// into out. Remote cursors claimed by the pipeline are killed before it returns.
func run(ctx context.Context, cfg PipelineConfig, exec cursor.Executor, reg prometheus.Registerer, in io.Reader, out io.Writer, logger log.Logger) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return errors.Wrap(err, "reading pipeline")
	}

	expCtx := &pipeline.ExpressionContext{
		Executor: exec,
		Logger:   logger,
		Metrics:  merger.NewMetrics(reg),
	}
	if cfg.SessionID != "" {
		expCtx.Session = &cursor.Session{ID: cfg.SessionID}
	}
	p, err := pipeline.Parse(data, expCtx)
	if err != nil {
		return err
	}
	defer func() {
		killCtx, cancel := context.WithTimeout(context.Background(), cfg.KillTimeout)
		defer cancel()
		p.Dispose(killCtx)
	}()

	if cfg.Optimize {
		if err := p.Optimize(ctx); err != nil {
			return err
		}
	}

	if cfg.ReleaseTo != "" {
		released, err := p.Release(ctx)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "released pipeline", "file", cfg.ReleaseTo, "stages", len(p.Stages()))
		return os.WriteFile(cfg.ReleaseTo, released, 0o644)
	}

	return drain(ctx, cfg, p, out, logger)
}

func drain(ctx context.Context, cfg PipelineConfig, p *pipeline.Pipeline, out io.Writer, logger log.Logger) error {
	enc := json.NewEncoder(out)
	var n int
	for {
		res, err := p.GetNext(ctx)
		if err != nil {
			return err
		}
		switch res.Status {
		case pipeline.EOF:
			level.Info(logger).Log("msg", "pipeline exhausted", "documents", n)
			return nil
		case pipeline.Paused:
			if !cfg.Follow {
				level.Info(logger).Log("msg", "pipeline paused, stopping", "documents", n)
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		if err := enc.Encode(res.Doc); err != nil {
			return errors.Wrap(err, "writing document")
		}
		n++
	}
}

// Parse -config.file option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter() string {
	var configFile = ""
	// ignore errors and any output here. Any flag errors will be reported by main flag.Parse() call.
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "") // usage not used in this function.

	// Try to find -config.file option in the flags. As Parsing stops on the first error, eg. unknown flag, we simply
	// try remaining parameters until we find config flag, or there are no params left.
	args := os.Args[1:]
	for len(args) > 0 {
		_ = fs.Parse(args)
		if configFile != "" {
			// found (!)
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

func DumpYaml(cfg *Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Printf("%s\n", out)
	}
}
