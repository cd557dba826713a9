// Package executor carries cursor requests between a merging node and the
// hosts holding the remote cursors: an HTTP cursor.Executor on one side, and
// the Handler and Store serving cursors on the other.
package executor

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/util"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

// Executor sends getMore and killCursors to cursor hosts over HTTP. Each
// host sits behind its own circuit breaker. Failed requests are retried with
// backoff when the failure is temporary. getMore and open advance or create
// cursors, so they are only retried when the host cannot have acted on them.
type Executor struct {
	cfg    Config
	client *http.Client
	scheme string
	logger log.Logger

	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	mtx      sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	entropy  *rand.Rand
}

var _ cursor.Executor = (*Executor)(nil)

// New returns an Executor.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	client := cleanhttp.DefaultPooledClient()
	scheme := "http"
	if tlsCfg != nil {
		client.Transport.(*http.Transport).TLSClientConfig = tlsCfg
		scheme = "https"
	}

	return &Executor{
		cfg:    cfg,
		client: client,
		scheme: scheme,
		logger: logger,
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mergecursors",
			Name:      "executor_request_duration_seconds",
			Help:      "Time spent on cursor requests to remote hosts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status_code"}),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "executor_retries_total",
			Help:      "Total number of retried cursor requests.",
		}, []string{"operation"}),
		breakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mergecursors",
			Name:      "executor_circuit_breaker_open",
			Help:      "Whether the circuit breaker to a host is open (1) or not (0).",
		}, []string{"host"}),
		breakers: map[string]*gobreaker.CircuitBreaker{},
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// GetMore implements cursor.Executor.
func (e *Executor) GetMore(ctx context.Context, req cursor.GetMoreRequest) (cursor.Response, error) {
	var resp cursor.Response
	if err := e.do(ctx, "getMore", false, req.Host, GetMorePath, req, &resp); err != nil {
		return cursor.Response{}, err
	}
	return resp, nil
}

// KillCursors implements cursor.Executor. Cursors the host no longer knows
// are not an error: they are gone either way.
func (e *Executor) KillCursors(ctx context.Context, req cursor.KillCursorsRequest) error {
	var resp KillCursorsResponse
	if err := e.do(ctx, "killCursors", true, req.Host, KillCursorsPath, req, &resp); err != nil {
		return err
	}
	if len(resp.CursorsNotFound) > 0 {
		level.Debug(e.logger).Log("msg", "cursors already gone on host", "host", req.Host, "cursors", len(resp.CursorsNotFound))
	}
	return nil
}

// Open opens a cursor over a dataset served by host.
func (e *Executor) Open(ctx context.Context, host string, req OpenRequest) (OpenResponse, error) {
	var resp OpenResponse
	if err := e.do(ctx, "open", false, host, OpenPath, req, &resp); err != nil {
		return OpenResponse{}, err
	}
	return resp, nil
}

func (e *Executor) do(ctx context.Context, op string, idempotent bool, host, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "encoding %s request", op)
	}

	reqID := e.newRequestID()
	ctx = util_log.ContextWithRequestID(ctx, reqID)
	logger := log.With(util_log.WithContext(ctx, e.logger), "op", op, "host", host)

	backoff := util.NewBackoff(ctx, e.cfg.Backoff)
	var lastErr error
	for backoff.Ongoing() {
		_, lastErr = e.breaker(host).Execute(func() (interface{}, error) {
			return nil, e.roundTrip(ctx, op, host, path, reqID, body, out)
		})
		if lastErr == nil {
			return nil
		}
		if !retryable(ctx, lastErr, idempotent) {
			return lastErr
		}
		level.Warn(logger).Log("msg", "cursor request failed, retrying", "attempt", backoff.NumRetries()+1, "err", lastErr)
		e.retries.WithLabelValues(op).Inc()
		backoff.Wait()
	}
	if lastErr == nil {
		lastErr = backoff.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(lastErr, "%s on %s gave up after %d retries", op, host, backoff.NumRetries())
}

func (e *Executor) roundTrip(ctx context.Context, op, host, path, reqID string, body []byte, out interface{}) error {
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.scheme+"://"+host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.requestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()
	e.requestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if resp.StatusCode/100 != 2 {
		var er errorResponse
		if err := json.Unmarshal(data, &er); err != nil || er.ErrorType == "" {
			er = errorResponse{ErrorType: errorInternal, Error: string(data)}
		}
		return &StatusError{Code: resp.StatusCode, Type: er.ErrorType, Message: er.Error}
	}
	return errors.Wrap(json.Unmarshal(data, out), "decoding response")
}

// breaker returns the circuit breaker of host. With breakers disabled it
// returns one that never opens.
func (e *Executor) breaker(host string) *gobreaker.CircuitBreaker {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if cb, ok := e.breakers[host]; ok {
		return cb
	}
	cfg := e.cfg.CircuitBreaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.Enabled && counts.ConsecutiveFailures >= uint32(cfg.ConsecutiveFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(e.logger).Log("msg", "circuit breaker changed state", "host", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				e.breakerState.WithLabelValues(name).Set(1)
			} else {
				e.breakerState.WithLabelValues(name).Set(0)
			}
		},
		// A host that answers with a client error is healthy.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && !se.Temporary() && se.Code < 500) || errors.Is(err, context.Canceled)
		},
	})
	e.breakers[host] = cb
	return cb
}

func (e *Executor) newRequestID() string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return ulid.MustNew(ulid.Now(), e.entropy).String()
}

// retryable reports whether err is worth another attempt while ctx is alive.
// Idempotent requests are retried after any transport failure or temporary
// host error. The others only when the request never reached the host or
// the host refused it before acting: a lost reply to a getMore would
// otherwise drop the batch the host already handed out.
func retryable(ctx context.Context, err error, idempotent bool) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if idempotent {
			return se.Temporary()
		}
		return se.Refused()
	}
	if idempotent {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
