// Package server runs the report accept loop on top of an ipc.Listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/ipc"
	"github.com/reportbridge/reportd/pkg/lifecycle"
	"github.com/reportbridge/reportd/pkg/report"
	"github.com/reportbridge/reportd/pkg/types"
)

// Handler serves one accepted connection and closes it
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) *report.Result
}

// Server runs the accept loop: wait for one client, hand the connection to
// the handler, repeat. Connections are never served concurrently.
type Server struct {
	listener ipc.Listener
	handler  Handler
	backoff  lifecycle.Backoff
	logger   *logger.Logger

	mu      sync.RWMutex
	serving bool
	closed  bool
	stats   ServerStats
}

// ServerStats represents server statistics
type ServerStats struct {
	StartTime       time.Time `json:"start_time"`
	TotalConns      int64     `json:"total_connections"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	TransportErrors int64     `json:"transport_errors"`
	OtherErrors     int64     `json:"other_errors"`
	IsServing       bool      `json:"is_serving"`
}

// String returns a string representation of the stats
func (s ServerStats) String() string {
	return fmt.Sprintf("ServerStats{Conns: %d, Succeeded: %d, Failed: %d, TransportErrors: %d, OtherErrors: %d, Serving: %v}",
		s.TotalConns, s.Succeeded, s.Failed, s.TransportErrors, s.OtherErrors, s.IsServing)
}

// New creates a server. A zero backoff falls back to lifecycle.DefaultBackoff.
func New(listener ipc.Listener, handler Handler, backoff lifecycle.Backoff, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if backoff == (lifecycle.Backoff{}) {
		backoff = lifecycle.DefaultBackoff()
	}
	return &Server{
		listener: listener,
		handler:  handler,
		backoff:  backoff,
		logger:   log.With("component", "server"),
	}
}

// Serve runs the accept loop until ctx is cancelled or the server is closed,
// and returns nil in both cases. Failures on a single connection never stop
// the loop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.serving {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already serving")
	}
	s.serving = true
	s.stats.StartTime = time.Now()
	s.stats.IsServing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.serving = false
		s.stats.IsServing = false
		s.mu.Unlock()
	}()

	s.logger.Info("Report server accepting connections")

	for {
		if ctx.Err() != nil {
			s.logger.Info("Report server stopped", "reason", ctx.Err())
			return nil
		}

		conn, err := s.listener.AcceptOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Report server stopped", "reason", ctx.Err())
				return nil
			}
			if errors.Is(err, ipc.ErrListenerClosed) {
				s.logger.Info("Report server stopped", "reason", "listener closed")
				return nil
			}

			s.recordAcceptError(err)
			if lifecycle.IsTransportError(err) {
				s.logger.Warn("Transport error while waiting for a client", "error", err, "backoff", s.backoff.Delay(err))
			} else {
				s.logger.Error("Unexpected error while waiting for a client", "error", err, "backoff", s.backoff.Delay(err))
			}
			if s.backoff.Wait(ctx, err) != nil {
				s.logger.Info("Report server stopped", "reason", ctx.Err())
				return nil
			}
			continue
		}

		s.serveConn(ctx, conn)
	}
}

// serveConn runs the handler inline. A panicking handler only loses its own
// connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			conn.Close()
			s.logger.Error("Connection handler panicked", "panic", r, "stack", string(debug.Stack()))
			s.mu.Lock()
			s.stats.TotalConns++
			s.stats.Failed++
			s.mu.Unlock()
		}
	}()

	res := s.handler.Handle(ctx, conn)

	s.mu.Lock()
	s.stats.TotalConns++
	if res != nil && res.Response != nil && res.Response.Success {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	s.mu.Unlock()
}

func (s *Server) recordAcceptError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lifecycle.IsTransportError(err) {
		s.stats.TransportErrors++
	} else {
		s.stats.OtherErrors++
	}
}

// Close closes the listener, which stops a running Serve
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close listener", err)
	}
	s.logger.Info("Report server closed")
	return nil
}

// Stats returns the current server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// String returns a string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("Server{%s}", s.Stats())
}
