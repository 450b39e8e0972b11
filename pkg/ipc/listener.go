package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/types"
)

// maxSocketPath is the portable limit on sun_path (104 on BSDs, 108 on Linux)
const maxSocketPath = 104

// DefaultProbeTimeout bounds the dial used to detect a live server on the path
const DefaultProbeTimeout = 500 * time.Millisecond

// ErrListenerClosed is returned by AcceptOnce after Close
var ErrListenerClosed = types.NewError(types.ErrCodeUnavailable, "listener is closed")

// Listener hands out one connection at a time
type Listener interface {
	// AcceptOnce waits for the next client. It returns ctx.Err() once ctx is done.
	AcceptOnce(ctx context.Context) (net.Conn, error)
	Close() error
}

// UnixListenerConfig configures a UnixListener
type UnixListenerConfig struct {
	Path string
	// Mode is applied to the socket file after binding; zero leaves the umask default
	Mode os.FileMode
	// RecreatePerConnection tears the endpoint down after each accepted connection
	RecreatePerConnection bool
	ProbeTimeout          time.Duration
}

// ListenerStats represents listener statistics
type ListenerStats struct {
	Path      string `json:"path"`
	Instances int    `json:"endpoint_instances"`
	Accepted  int    `json:"accepted"`
	Listening bool   `json:"listening"`
}

// String returns a string representation of the stats
func (s ListenerStats) String() string {
	return fmt.Sprintf("ListenerStats{Path: %s, Instances: %d, Accepted: %d, Listening: %v}",
		s.Path, s.Instances, s.Accepted, s.Listening)
}

// UnixListener is a Listener over a Unix domain socket
type UnixListener struct {
	cfg    UnixListenerConfig
	logger *logger.Logger

	mu        sync.Mutex
	ln        *net.UnixListener
	closed    bool
	instances int
	accepted  int
}

// NewUnixListener validates the socket path and clears a stale socket file.
// The endpoint itself is bound on the first AcceptOnce.
func NewUnixListener(cfg UnixListenerConfig, log *logger.Logger) (*UnixListener, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if len(cfg.Path) >= maxSocketPath {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("socket path is %d bytes, limit is %d: %s", len(cfg.Path), maxSocketPath-1, cfg.Path))
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	l := &UnixListener{
		cfg:    cfg,
		logger: log.With("component", "ipc_listener", "socket_path", cfg.Path),
	}
	if err := l.clearPath(); err != nil {
		return nil, err
	}
	return l, nil
}

// AcceptOnce waits for one client on the current endpoint instance, binding a
// new instance first if there is none.
func (l *UnixListener) AcceptOnce(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ln, err := l.endpoint()
	if err != nil {
		return nil, err
	}

	ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		ln.SetDeadline(time.Now())
	})
	conn, err := ln.AcceptUnix()
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if l.isClosed() {
			return nil, ErrListenerClosed
		}
		l.logger.Warn("Accept failed, disposing endpoint", "error", err)
		l.dispose(ln)
		return nil, types.WrapError(types.ErrCodeTransport, "failed to accept connection", err)
	}

	l.mu.Lock()
	l.accepted++
	l.mu.Unlock()

	if l.cfg.RecreatePerConnection {
		l.dispose(ln)
	}
	return conn, nil
}

// Close disposes the current endpoint instance and removes the socket file.
// AcceptOnce returns ErrListenerClosed afterwards.
func (l *UnixListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.ln != nil {
		// Closing a bound UnixListener also unlinks the socket file.
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.logger.Warn("Failed to close endpoint", "error", err)
		}
		l.ln = nil
	}
	l.logger.Info("IPC listener closed", "endpoint_instances", l.instances, "accepted", l.accepted)
	return nil
}

// Path returns the socket path
func (l *UnixListener) Path() string {
	return l.cfg.Path
}

// Stats returns listener statistics
func (l *UnixListener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return ListenerStats{
		Path:      l.cfg.Path,
		Instances: l.instances,
		Accepted:  l.accepted,
		Listening: l.ln != nil,
	}
}

// String returns a string representation of the listener
func (l *UnixListener) String() string {
	return fmt.Sprintf("UnixListener{%s}", l.Stats())
}

// endpoint returns the current instance, binding a new one if needed
func (l *UnixListener) endpoint() (*net.UnixListener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrListenerClosed
	}
	if l.ln != nil {
		return l.ln, nil
	}

	if err := l.clearPath(); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: l.cfg.Path, Net: "unix"})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on socket", err)
	}
	if l.cfg.Mode != 0 {
		if err := os.Chmod(l.cfg.Path, l.cfg.Mode); err != nil {
			ln.Close()
			return nil, types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
		}
	}

	l.ln = ln
	l.instances++
	l.logger.Debug("Endpoint instance created", "instance", l.instances)
	return ln, nil
}

// dispose closes ln if it is still the current instance
func (l *UnixListener) dispose(ln *net.UnixListener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != ln {
		return
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("Failed to close endpoint", "error", err)
	}
	l.ln = nil
}

func (l *UnixListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// clearPath removes a stale socket file at the configured path. A socket that
// still accepts connections belongs to a running server and is left alone, as
// is anything that is not a socket.
func (l *UnixListener) clearPath() error {
	fi, err := os.Lstat(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat socket path", err)
	}

	if fi.Mode()&os.ModeSocket == 0 {
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", fi.Mode()))
	}

	if conn, err := net.DialTimeout("unix", l.cfg.Path, l.cfg.ProbeTimeout); err == nil {
		conn.Close()
		return types.NewError(types.ErrCodeAlreadyExists, "another server is listening on "+l.cfg.Path)
	}

	if err := os.Remove(l.cfg.Path); err != nil && !os.IsNotExist(err) {
		return types.WrapError(types.ErrCodeInternal, "failed to remove stale socket file", err)
	}
	l.logger.Info("Removed stale socket file")
	return nil
}
