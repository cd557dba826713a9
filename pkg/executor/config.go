package executor

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/util"
)

// Config is the config of the HTTP cursor executor.
type Config struct {
	RequestTimeout time.Duration      `yaml:"request_timeout"`
	Backoff        util.BackoffConfig `yaml:"backoff"`
	CircuitBreaker BreakerConfig      `yaml:"circuit_breaker"`

	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
	TLSCAPath   string `yaml:"tls_ca_path"`
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    int           `yaml:"half_open_requests"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("executor", f)
}

// RegisterFlagsWithPrefix registers flags with prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 30*time.Second, "Timeout of a single getMore or killCursors request, retries excluded.")
	cfg.Backoff.RegisterFlagsWithPrefix(prefix, f)
	f.BoolVar(&cfg.CircuitBreaker.Enabled, prefix+".circuit-breaker.enabled", true, "Stop sending requests to a host that keeps failing.")
	f.IntVar(&cfg.CircuitBreaker.ConsecutiveFailures, prefix+".circuit-breaker.consecutive-failures", 5, "Consecutive failures after which the circuit to a host opens.")
	f.DurationVar(&cfg.CircuitBreaker.OpenTimeout, prefix+".circuit-breaker.open-timeout", 10*time.Second, "How long the circuit stays open before probing the host again.")
	f.IntVar(&cfg.CircuitBreaker.HalfOpenRequests, prefix+".circuit-breaker.half-open-requests", 1, "Requests let through while probing a host.")

	f.StringVar(&cfg.TLSCertPath, prefix+".tls-cert-path", "", "TLS cert path for the HTTP client.")
	f.StringVar(&cfg.TLSKeyPath, prefix+".tls-key-path", "", "TLS key path for the HTTP client.")
	f.StringVar(&cfg.TLSCAPath, prefix+".tls-ca-path", "", "TLS CA path for the HTTP client.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.RequestTimeout < 0 {
		return errors.Errorf("negative executor request timeout %s", cfg.RequestTimeout)
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return errors.Wrap(err, "executor backoff")
	}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.ConsecutiveFailures <= 0 {
			return errors.New("circuit breaker consecutive failures must be positive")
		}
		if cfg.CircuitBreaker.OpenTimeout <= 0 {
			return errors.New("circuit breaker open timeout must be positive")
		}
		if cfg.CircuitBreaker.HalfOpenRequests <= 0 {
			return errors.New("circuit breaker half-open requests must be positive")
		}
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return errors.New("TLS cert and key paths must be set together")
	}
	return nil
}

// TLSConfig loads the client certificates. It returns nil when TLS is not configured.
func (cfg *Config) TLSConfig() (*tls.Config, error) {
	if cfg.TLSCertPath == "" && cfg.TLSCAPath == "" {
		return nil, nil
	}

	tlsCfg := &tls.Config{}
	if cfg.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading cert %s or key %s", cfg.TLSCertPath, cfg.TLSKeyPath)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.TLSCAPath != "" {
		caCert, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading CA cert %s", cfg.TLSCAPath)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.Errorf("no certificate found in %s", cfg.TLSCAPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
