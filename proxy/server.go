package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/backendproxy/health"
	"github.com/guseggert/backendproxy/proxy/forward"
	"github.com/guseggert/backendproxy/proxy/relay"
	"github.com/guseggert/backendproxy/supervisor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// ErrHealthCheckExhausted means the backend never reported ready during startup.
var ErrHealthCheckExhausted = errors.New("backend health check exhausted")

// StartupPolicy decides what Start does when the backend never becomes ready.
type StartupPolicy int

const (
	// BestEffort logs and starts serving anyway, letting requests fail individually.
	BestEffort StartupPolicy = iota
	// FailFast stops the backend and returns ErrHealthCheckExhausted.
	FailFast
)

func (p StartupPolicy) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case FailFast:
		return "fail-fast"
	default:
		return "unknown"
	}
}

func ParseStartupPolicy(s string) (StartupPolicy, error) {
	switch s {
	case "best-effort", "":
		return BestEffort, nil
	case "fail-fast":
		return FailFast, nil
	default:
		return 0, fmt.Errorf("unknown startup policy %q", s)
	}
}

// Server supervises one backend process and proxies HTTP and WebSocket traffic to it.
type Server struct {
	log *zap.SugaredLogger

	backendURL  *url.URL
	listenAddr  string
	healthPath  string
	policy      StartupPolicy
	gracePeriod time.Duration

	supervisor   *supervisor.Supervisor
	startRequest supervisor.StartRequest
	checker      *health.Checker
	forwardOpts  []forward.Option
	relayOpts    []relay.Option

	forwarder  *forward.Forwarder
	relay      *relay.Relay
	listener   net.Listener
	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithSupervisor has the server launch the backend with req on Start and stop it on Shutdown.
// Without it the backend is assumed to be managed elsewhere.
func WithSupervisor(sup *supervisor.Supervisor, req supervisor.StartRequest) Option {
	return func(s *Server) {
		s.supervisor = sup
		s.startRequest = req
	}
}

func WithHealthChecker(c *health.Checker) Option {
	return func(s *Server) {
		s.checker = c
	}
}

func WithHealthPath(p string) Option {
	return func(s *Server) {
		s.healthPath = p
	}
}

func WithStartupPolicy(p StartupPolicy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

// WithGracePeriod sets how long the backend gets to exit on Shutdown before it is killed.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) {
		s.gracePeriod = d
	}
}

func WithForwardOptions(opts ...forward.Option) Option {
	return func(s *Server) {
		s.forwardOpts = append(s.forwardOpts, opts...)
	}
}

func WithRelayOptions(opts ...relay.Option) Option {
	return func(s *Server) {
		s.relayOpts = append(s.relayOpts, opts...)
	}
}

// NewServer creates a proxy for the backend at backendURL, e.g. "http://localhost:4000".
func NewServer(backendURL string, opts ...Option) (*Server, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("backend URL %q must be http://host:port", backendURL)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:         logger.Sugar(),
		backendURL:  u,
		listenAddr:  "0.0.0.0:8001",
		healthPath:  "/health",
		policy:      BestEffort,
		gracePeriod: supervisor.DefaultGracePeriod,
	}
	for _, o := range opts {
		o(s)
	}

	base := strings.TrimSuffix(u.String(), "/")
	if s.checker == nil {
		s.checker = health.NewChecker(s.log)
	}
	s.forwarder = forward.New(s.log, base, s.forwardOpts...)
	s.relay = relay.New(s.log, u.Host, s.relayOpts...)
	s.log = s.log.Named("proxy")
	return s, nil
}

func (s *Server) healthURL() string {
	return strings.TrimSuffix(s.backendURL.String(), "/") + s.healthPath
}

// Start launches the backend, waits for it to report ready and binds the listener.
// Requests are not served until Serve is called.
func (s *Server) Start(ctx context.Context) error {
	if s.supervisor != nil {
		b, err := s.supervisor.Start(s.startRequest)
		if err != nil {
			return fmt.Errorf("starting backend: %w", err)
		}
		s.log.Infow("waiting for backend", "pid", b.Pid, "url", s.healthURL())
	}

	res := s.checker.WaitReady(ctx, s.healthURL())
	switch {
	case res.Outcome == health.Ready:
		s.log.Infow("backend is ready", "attempts", res.Attempts, "elapsed", res.Elapsed)
	case res.Outcome == health.Timeout || s.policy == FailFast:
		err := fmt.Errorf("%w: %s after %d attempts: %w", ErrHealthCheckExhausted, res.Outcome, res.Attempts, res.Err)
		return multierr.Append(err, s.stopBackend())
	default:
		s.log.Warnw("backend may not be fully ready, continuing anyway",
			"attempts", res.Attempts,
			"elapsed", res.Elapsed,
			"error", res.Err,
		)
	}

	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		err = fmt.Errorf("listening on %s: %w", s.listenAddr, err)
		return multierr.Append(err, s.stopBackend())
	}
	s.listener = l
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log.Desugar()),
	}
	s.log.Infow("proxy listening", "addr", l.Addr().String(), "backend", s.backendURL.String())
	return nil
}

// Serve serves requests until Shutdown. Start must have succeeded.
func (s *Server) Serve() error {
	if s.httpServer == nil {
		return errors.New("server not started")
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address the server is listening on, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) stopBackend() error {
	if s.supervisor == nil {
		return nil
	}
	return s.supervisor.Stop(s.gracePeriod)
}

// Shutdown stops the backend, then stops accepting connections and waits for in-flight requests
// and WebSocket sessions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	err := s.stopBackend()
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}
	err = multierr.Append(err, s.relay.Shutdown(ctx))
	return err
}

// Run starts the server and serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	err := s.Start(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(s.Serve)
	group.Go(func() error {
		<-groupCtx.Done()
		// the backend's grace period plus time to drain requests
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.gracePeriod+15*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// Relay exposes the WebSocket relay, mainly for its session counters.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}
