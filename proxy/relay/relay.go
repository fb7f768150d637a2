package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultReadLimit   = 1 << 20
)

// DefaultDialHeaders are copied from the client's handshake onto the backend handshake.
var DefaultDialHeaders = []string{"Cookie", "Authorization"}

// ErrorMessage is the frame sent to a client when the backend cannot be reached.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Relay accepts client WebSockets and pairs each one with a new WebSocket to the backend.
type Relay struct {
	log         *zap.SugaredLogger
	backendHost string

	dialTimeout time.Duration
	readLimit   int64
	dialHeaders []string
	httpClient  *http.Client

	active        *atomic.Int64
	closeFailures *atomic.Int64

	mut      sync.Mutex
	sessions map[uuid.UUID]*Session
}

type Option func(r *Relay)

func WithDialTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.dialTimeout = d
	}
}

// WithReadLimit sets the largest message accepted from either side.
func WithReadLimit(n int64) Option {
	return func(r *Relay) {
		r.readLimit = n
	}
}

func WithDialHeaders(headers ...string) Option {
	return func(r *Relay) {
		r.dialHeaders = headers
	}
}

// New creates a Relay for the backend listening on backendHost, e.g. "localhost:4000".
func New(log *zap.SugaredLogger, backendHost string, opts ...Option) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Relay{
		log:           log.Named("relay"),
		backendHost:   backendHost,
		dialTimeout:   DefaultDialTimeout,
		readLimit:     DefaultReadLimit,
		dialHeaders:   DefaultDialHeaders,
		active:        atomic.NewInt64(0),
		closeFailures: atomic.NewInt64(0),
		sessions:      map[uuid.UUID]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	// The handshake is bounded by the dialer and header timeouts rather than a context deadline,
	// so the deadline can't reach the upgraded connection.
	r.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: r.dialTimeout}).DialContext,
			ResponseHeaderTimeout: r.dialTimeout,
		},
	}
	return r
}

// Target returns the backend WebSocket URL for an inbound request.
func (r *Relay) Target(req *http.Request) string {
	target := "ws://" + r.backendHost + req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	return target
}

// ServeHTTP accepts the client handshake and relays messages until either side closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		r.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	client.SetReadLimit(r.readLimit)

	s := &Session{
		ID:     uuid.New(),
		Path:   req.URL.Path,
		relay:  r,
		client: client,
		state:  atomic.NewInt32(int32(StateConnecting)),
	}
	s.log = r.log.With("session", s.ID.String(), "path", s.Path)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	target := r.Target(req)
	header := http.Header{}
	for _, h := range r.dialHeaders {
		for _, v := range req.Header.Values(h) {
			header.Add(h, v)
		}
	}
	backend, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:      r.httpClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debugw("error dialing backend WebSocket", "target", target, "error", err)
		r.fail(ctx, s, err)
		return
	}
	backend.SetReadLimit(r.readLimit)
	s.backend = backend

	r.track(s)
	defer r.untrack(s)

	s.log.Debugw("relay session started", "target", target)
	s.run(ctx)
	s.log.Debugw("relay session ended")
}

// fail reports a failed backend dial to the client and closes it.
func (r *Relay) fail(ctx context.Context, s *Session, dialErr error) {
	s.state.Store(int32(StateClosing))
	defer s.state.Store(int32(StateClosed))

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := wsjson.Write(writeCtx, s.client, ErrorMessage{
		Type:    "error",
		Message: fmt.Sprintf("Backend unavailable: %s", dialErr),
	})
	if err != nil {
		s.log.Debugw("error sending error message", "error", err)
	}
	err = s.client.Close(websocket.StatusInternalError, "backend unavailable")
	if err != nil {
		r.closeFailures.Inc()
		s.log.Debugw("error closing WebSocket", "error", err)
	}
}

func (r *Relay) track(s *Session) {
	r.mut.Lock()
	r.sessions[s.ID] = s
	r.mut.Unlock()
	r.active.Inc()
}

func (r *Relay) untrack(s *Session) {
	r.mut.Lock()
	delete(r.sessions, s.ID)
	r.mut.Unlock()
	r.active.Dec()
}

// Active returns the number of sessions currently relaying.
func (r *Relay) Active() int64 {
	return r.active.Load()
}

// CloseFailures returns how many connection closes have failed. They are otherwise ignored.
func (r *Relay) CloseFailures() int64 {
	return r.closeFailures.Load()
}

// Shutdown closes every active session with a going-away status and waits for them to finish,
// or for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mut.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mut.Unlock()

	for _, s := range sessions {
		go s.shutdown(nil, nil, websocket.StatusGoingAway, "proxy shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.Active() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d relay sessions: %w", r.Active(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
