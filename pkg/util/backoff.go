package util

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"
)

// BackoffConfig configures a Backoff
type BackoffConfig struct {
	MinBackoff time.Duration `yaml:"min_period"`  // start backoff at this level
	MaxBackoff time.Duration `yaml:"max_period"`  // increase exponentially to this level
	MaxRetries int           `yaml:"max_retries"` // give up after this many; zero means infinite retries
}

// RegisterFlagsWithPrefix for BackoffConfig.
func (cfg *BackoffConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.MinBackoff, prefix+".backoff-min-period", 50*time.Millisecond, "Minimum delay when backing off.")
	f.DurationVar(&cfg.MaxBackoff, prefix+".backoff-max-period", time.Second, "Maximum delay when backing off.")
	f.IntVar(&cfg.MaxRetries, prefix+".backoff-retries", 3, "Number of times to retry a request. 0 retries forever.")
}

// Validate the backoff bounds.
func (cfg *BackoffConfig) Validate() error {
	if cfg.MinBackoff <= 0 {
		return fmt.Errorf("backoff min period must be positive, got %s", cfg.MinBackoff)
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		return fmt.Errorf("backoff max period %s is lower than min period %s", cfg.MaxBackoff, cfg.MinBackoff)
	}
	return nil
}

// Backoff implements exponential backoff with randomized wait times
type Backoff struct {
	cfg        BackoffConfig
	ctx        context.Context
	numRetries int
	duration   time.Duration
}

// NewBackoff creates a Backoff object. Cancelling ctx terminates the operation.
func NewBackoff(ctx context.Context, cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:      cfg,
		ctx:      ctx,
		duration: cfg.MinBackoff,
	}
}

// Reset the Backoff back to its initial condition
func (b *Backoff) Reset() {
	b.numRetries = 0
	b.duration = b.cfg.MinBackoff
}

// Ongoing returns true if caller should keep going
func (b *Backoff) Ongoing() bool {
	return b.ctx.Err() == nil && (b.cfg.MaxRetries == 0 || b.numRetries < b.cfg.MaxRetries)
}

// Err returns the reason Ongoing stopped, or nil.
func (b *Backoff) Err() error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	if b.cfg.MaxRetries != 0 && b.numRetries >= b.cfg.MaxRetries {
		return fmt.Errorf("terminated after %d retries", b.numRetries)
	}
	return nil
}

// NumRetries returns the number of retries so far
func (b *Backoff) NumRetries() int {
	return b.numRetries
}

// Wait sleeps for the backoff time then increases the retry count and backoff time
// Returns immediately if the context is cancelled
func (b *Backoff) Wait() {
	b.numRetries++
	if b.Ongoing() {
		select {
		case <-b.ctx.Done():
		case <-time.After(b.duration):
		}
	}
	// Based on the "Decorrelated Jitter" approach from https://www.awsarchitectureblog.com/2015/03/backoff.html
	// sleep = min(cap, random_between(base, sleep * 3))
	b.duration = b.cfg.MinBackoff + time.Duration(rand.Int63n(int64((b.duration*3)-b.cfg.MinBackoff)+1))
	if b.duration > b.cfg.MaxBackoff {
		b.duration = b.cfg.MaxBackoff
	}
}
