package chat

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateUnauthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Session is one live connection. Its bound name is written by the
// Registry on the router goroutine and read only there.
type Session struct {
	ID   string
	conn net.Conn
	name string

	state atomic.Int32

	outMu     sync.Mutex
	out       chan []byte
	outClosed bool
	done      chan struct{} // closed when the writer exits

	closeOnce sync.Once
	closeErr  error

	maxFrame     int
	flushTimeout time.Duration
	logger       *slog.Logger
}

func NewSession(conn net.Conn, outBuffer, maxFrame int, flushTimeout time.Duration, logger *slog.Logger) *Session {
	if outBuffer <= 0 {
		outBuffer = 64
	}
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:           id,
		conn:         conn,
		out:          make(chan []byte, outBuffer),
		done:         make(chan struct{}),
		maxFrame:     maxFrame,
		flushTimeout: flushTimeout,
		logger:       logger.With("session", id),
	}
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State { return State(s.state.Load()) }

// advance moves the state forward only; a session never goes back.
func (s *Session) advance(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// enqueue never blocks. When the queue is full the oldest frame is dropped
// to make room. It reports whether anything was dropped and whether the
// frame was queued at all.
func (s *Session) enqueue(frame []byte) (dropped, queued bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return false, false
	}
	for {
		select {
		case s.out <- frame:
			return dropped, true
		default:
		}
		select {
		case <-s.out:
			dropped = true
		default:
		}
	}
}

// closeOutbound lets the writer flush and exit. Safe to call repeatedly.
func (s *Session) closeOutbound() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return false
	}
	s.outClosed = true
	close(s.out)
	return true
}

// Close tears down the transport. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.advance(StateClosing)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
		s.advance(StateClosed)
	})
	return s.closeErr
}

// Serve runs the session until its connection ends or the router stops.
func (s *Session) Serve(r *Router) {
	if !r.Submit(Event{Type: EventAttach, Session: s}) {
		s.logger.Info("connection refused", "error", ErrRouterStopped)
		close(s.done)
		_ = s.Close()
		return
	}
	StartOutboundWriter(s.conn, s.out, s.done)
	s.advance(StateUnauthenticated)
	defer s.finish(r)

	reader := wire.NewReader(s.conn, s.maxFrame)

	// The first decoded event binds the session to its author.
	for s.State() == StateUnauthenticated {
		ev, err := reader.Next()
		if err != nil {
			s.logReadError(err)
			return
		}
		reply := make(chan error, 1)
		if !r.Submit(Event{Type: EventRegister, Session: s, Payload: ev, ReplyChan: reply}) {
			return
		}
		select {
		case err := <-reply:
			if err != nil {
				s.logger.Info("registration rejected", "user", ev.Author, "error", err)
				return
			}
		case <-r.Done():
			return
		}
	}
	if s.State() != StateActive {
		return
	}

	for {
		ev, err := reader.Next()
		if err != nil {
			if !wire.IsFatal(err) {
				ProtocolErrors.WithLabelValues(wire.OpPayload).Inc()
				if !r.Submit(Event{Type: EventMalformed, Session: s, Err: err}) {
					return
				}
				continue
			}
			s.logReadError(err)
			return
		}
		if !r.Submit(Event{Type: EventInbound, Session: s, Payload: ev}) {
			return
		}
	}
}

func (s *Session) finish(r *Router) {
	s.advance(StateClosing)
	if !r.Submit(Event{Type: EventUnregister, Session: s}) {
		s.closeOutbound()
	}
	s.awaitFlush(r)
	_ = s.Close()
}

// awaitFlush waits a bounded time for the writer to drain queued frames.
func (s *Session) awaitFlush(r *Router) {
	timer := time.NewTimer(s.flushTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	case <-r.Done():
		s.closeOutbound()
		select {
		case <-s.done:
		case <-timer.C:
		}
	}
}

func (s *Session) logReadError(err error) {
	var pe *wire.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("client disconnected", "user", s.name)
	case errors.Is(err, syscall.ECONNRESET):
		s.logger.Info("connection reset by peer", "user", s.name)
	case errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed locally", "user", s.name)
	case errors.As(err, &pe):
		ProtocolErrors.WithLabelValues(pe.Op).Inc()
		s.logger.Warn("protocol error, closing session", "user", s.name, "error", err)
	default:
		s.logger.Warn("read failed", "user", s.name, "error", err)
	}
}
