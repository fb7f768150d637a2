package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client WebSocket paired with one backend WebSocket.
type Session struct {
	ID   uuid.UUID
	Path string

	log     *zap.SugaredLogger
	relay   *Relay
	client  *websocket.Conn
	backend *websocket.Conn
	state   *atomic.Int32

	closeOnce sync.Once
}

func (s *Session) State() State {
	return State(s.state.Load())
}

type loopResult struct {
	// ended is the connection that failed, either on read or on write
	ended *websocket.Conn
	err   error
}

// run relays messages in both directions and returns once both directions have stopped.
func (s *Session) run(ctx context.Context) {
	s.state.Store(int32(StateActive))

	results := make(chan loopResult, 2)
	go s.pipe(ctx, "client->backend", s.client, s.backend, results)
	go s.pipe(ctx, "backend->client", s.backend, s.client, results)

	first := <-results
	code, reason := closeStatus(first.err)
	s.log.Debugw("relay direction ended, closing session", "error", first.err, "close_code", code)
	s.shutdown(first.ended, first.err, code, reason)

	<-results
	s.state.Store(int32(StateClosed))
}

func (s *Session) pipe(ctx context.Context, name string, src, dst *websocket.Conn, results chan<- loopResult) {
	for {
		typ, b, err := src.Read(ctx)
		if err != nil {
			results <- loopResult{ended: src, err: err}
			return
		}
		err = dst.Write(ctx, typ, b)
		if err != nil {
			results <- loopResult{ended: dst, err: err}
			return
		}
		s.log.Debugw("relayed message", "direction", name, "type", typ, "bytes", len(b))
	}
}

// shutdown closes both connections once. A connection that ended by receiving a close frame has
// already been closed by the library and is skipped.
func (s *Session) shutdown(ended *websocket.Conn, endErr error, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		for _, c := range []*websocket.Conn{s.client, s.backend} {
			if c == ended && websocket.CloseStatus(endErr) != -1 {
				continue
			}
			err := c.Close(code, reason)
			if err != nil {
				s.relay.closeFailures.Inc()
				s.log.Debugw("error closing WebSocket", "error", err)
			}
		}
	})
}

// closeStatus picks the status to send to the other side when one side ends with err.
func closeStatus(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.StatusGoingAway, "peer connection lost"
	}
	switch ce.Code {
	case websocket.StatusNoStatusRcvd:
		return websocket.StatusNormalClosure, ""
	case websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		// not allowed on the wire
		return websocket.StatusGoingAway, ""
	default:
		return ce.Code, ce.Reason
	}
}
