package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	// Logger is the process logger set up by InitLogger. Only binaries read
	// it; packages take a logger in their constructors.
	Logger = log.NewNopLogger()
)

// Level is a settable, yaml and flag compatible log level.
type Level struct {
	s      string
	Option level.Option
}

// String implements flag.Value.
func (l Level) String() string {
	return l.s
}

// Set implements flag.Value.
func (l *Level) Set(s string) error {
	switch s {
	case "debug":
		l.Option = level.AllowDebug()
	case "info":
		l.Option = level.AllowInfo()
	case "warn":
		l.Option = level.AllowWarn()
	case "error":
		l.Option = level.AllowError()
	default:
		return fmt.Errorf("unrecognized log level %q", s)
	}
	l.s = s
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// Format is a settable, yaml and flag compatible log format.
type Format struct {
	s string
}

func (f Format) String() string {
	return f.s
}

// Set implements flag.Value.
func (f *Format) Set(s string) error {
	switch s {
	case "logfmt", "json":
		f.s = s
		return nil
	default:
		return fmt.Errorf("unrecognized log format %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Format) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return f.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (f Format) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// Config for the logger.
type Config struct {
	LogLevel  Level  `yaml:"log_level"`
	LogFormat Format `yaml:"log_format"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	_ = cfg.LogLevel.Set("info")
	_ = cfg.LogFormat.Set("logfmt")
	f.Var(&cfg.LogLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.Var(&cfg.LogFormat, "log.format", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// InitLogger initialises the global logger according to cfg, writing to stderr.
func InitLogger(cfg *Config) {
	Logger = NewLogger(cfg, os.Stderr)
}

// NewLogger builds a leveled go-kit logger writing to w.
func NewLogger(cfg *Config, w io.Writer) log.Logger {
	var l log.Logger
	if cfg.LogFormat.String() == "json" {
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	if cfg.LogLevel.Option != nil {
		l = level.NewFilter(l, cfg.LogLevel.Option)
	}
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil
func CheckFatal(location string, err error) {
	if err != nil {
		logger := level.Error(Logger)
		if location != "" {
			logger = log.With(logger, "msg", "error "+location)
		}
		// %+v gets the stack trace from errors using github.com/pkg/errors
		logger.Log("err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
