package chat

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andy6609/chatrelay/internal/history"
	"github.com/andy6609/chatrelay/internal/wire"
)

type Options struct {
	Addr           string
	History        *history.Store
	Location       *time.Location
	RouterBuffer   int
	OutboundBuffer int
	MaxFrameBytes  int
	FlushTimeout   time.Duration
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	router   *Router
	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = wire.DefaultMaxFrame
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 2 * time.Second
	}
	router := NewRouter(opts.RouterBuffer, opts.History, opts.Location, logger)
	router.maxFrame = opts.MaxFrameBytes
	return &Server{
		opts:     opts,
		logger:   logger,
		router:   router,
		sessions: make(map[string]*Session),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go s.router.Run()
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound listener address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting, closes every session's queue, waits up to the flush
// timeout for queued frames to be written, then tears the transports down.
func (s *Server) Stop() {
	s.logger.Info("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}

	s.router.Stop()
	s.router.Wait()

	deadline := time.NewTimer(s.opts.FlushTimeout)
	defer deadline.Stop()
	expired := false
	for _, sess := range s.liveSessions() {
		sess.closeOutbound()
		if !expired {
			select {
			case <-sess.done:
			case <-deadline.C:
				expired = true
				s.logger.Warn("flush timeout reached, closing remaining sessions")
			}
		}
		_ = sess.Close()
	}
	s.wg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) liveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed: normal shutdown.
			return
		}

		sess := NewSession(conn, s.opts.OutboundBuffer, s.opts.MaxFrameBytes, s.opts.FlushTimeout, s.logger)
		s.logger.Info("client connected", "addr", conn.RemoteAddr().String(), "session", sess.ID)

		s.mu.Lock()
		s.sessions[sess.ID] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Serve(s.router)
			s.mu.Lock()
			delete(s.sessions, sess.ID)
			s.mu.Unlock()
		}()
	}
}
