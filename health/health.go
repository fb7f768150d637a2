package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts    = 30
	DefaultInterval       = 1 * time.Second
	DefaultAttemptTimeout = 2 * time.Second
)

// Outcome is the result of waiting for a backend to become ready.
type Outcome int

const (
	// Ready means the health endpoint answered 200.
	Ready Outcome = iota
	// Unreachable means every attempt failed.
	Unreachable
	// Timeout means the caller's context ended before the attempts ran out.
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	// Err is the last failure seen, nil when Ready.
	Err error
}

// Checker polls a health endpoint until it reports ready or the attempt budget is spent.
type Checker struct {
	log *zap.SugaredLogger

	maxAttempts    int
	interval       time.Duration
	attemptTimeout time.Duration
	transport      http.RoundTripper
}

type Option func(c *Checker)

func WithMaxAttempts(n int) Option {
	return func(c *Checker) {
		c.maxAttempts = n
	}
}

// WithInterval sets the pause between a failed attempt and the next one.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		c.interval = d
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.attemptTimeout = d
	}
}

func WithTransport(t http.RoundTripper) Option {
	return func(c *Checker) {
		c.transport = t
	}
}

func NewChecker(log *zap.SugaredLogger, opts ...Option) *Checker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Checker{
		log:            log.Named("health"),
		maxAttempts:    DefaultMaxAttempts,
		interval:       DefaultInterval,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// WaitReady GETs url until it answers 200. It does not return an error: a backend that never
// becomes ready is reported through the Result so the caller can decide whether to carry on.
func (c *Checker) WaitReady(ctx context.Context, url string) Result {
	start := time.Now()
	attempts := 0
	var lastErr error

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Timeout:   c.attemptTimeout,
		Transport: c.transport,
	}
	defer client.HTTPClient.CloseIdleConnections()
	client.RetryMax = c.maxAttempts - 1
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return c.interval
	}
	client.Logger = &logAdapter{SugaredLogger: c.log}
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		attempts = attempt + 1
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			lastErr = err
			c.log.Debugw("health check attempt failed", "url", url, "attempt", attempts, "error", err)
			return true, nil
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected health status code %d", resp.StatusCode)
			c.log.Debugw("health check attempt failed", "url", url, "attempt", attempts, "status", resp.StatusCode)
			return true, nil
		}
		return false, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: Unreachable, Elapsed: time.Since(start), Err: fmt.Errorf("building health request: %w", err)}
	}

	resp, err := client.Do(req)
	res := Result{Attempts: attempts, Elapsed: time.Since(start)}
	switch {
	case err == nil:
		resp.Body.Close()
		res.Outcome = Ready
		c.log.Debugw("backend ready", "url", url, "attempts", attempts, "elapsed", res.Elapsed)
	case ctx.Err() != nil:
		res.Outcome = Timeout
		res.Err = ctx.Err()
	default:
		res.Outcome = Unreachable
		res.Err = lastErr
		if res.Err == nil {
			res.Err = err
		}
	}
	return res
}
