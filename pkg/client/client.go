// Package client sends report requests to a running report server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/frame"
	"github.com/reportbridge/reportd/pkg/types"
)

// Client performs one request/response exchange per Generate call
type Client struct {
	path   string
	cfg    config.ClientConfig
	codec  *frame.Codec
	logger *logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithCodec sets the frame codec
func WithCodec(c *frame.Codec) Option {
	return func(cl *Client) {
		if c != nil {
			cl.codec = c
		}
	}
}

// WithLogger sets the client logger
func WithLogger(log *logger.Logger) Option {
	return func(cl *Client) {
		if log != nil {
			cl.logger = log
		}
	}
}

// New creates a client for the server listening on socketPath
func New(socketPath string, cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if socketPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path is required")
	}
	defaults := config.DefaultClientConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}

	c := &Client{
		path:   socketPath,
		cfg:    cfg,
		codec:  frame.New(),
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "socket", socketPath)
	return c, nil
}

// Generate sends req and waits for the server's response. Failure responses
// from the server are returned as a response, not an error; errors mean the
// exchange itself failed.
//
// A connection reset before any response byte arrives means the server never
// read the request, as when a recreated endpoint drops its backlog. Generate
// redials in that case until the dial timeout expires.
func (c *Client) Generate(ctx context.Context, req *types.ReportRequest) (*types.ReportResponse, error) {
	if req == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "request is required")
	}

	payload, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	for attempt := 1; ; attempt++ {
		resp, received, err := c.exchange(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if received > 0 || !resetByPeer(err) || ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil, err
		}

		c.logger.Debug("Connection reset before response, redialing", "attempt", attempt, "error", err)
		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, types.WrapError(types.ErrCodeCanceled, "request canceled", ctx.Err())
		}
	}
}

// exchange performs one dial, write and read. received counts the response
// bytes read before any failure.
func (c *Client) exchange(ctx context.Context, payload []byte) (*types.ReportResponse, int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if c.cfg.ResponseTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.cfg.ResponseTimeout)); err != nil {
			return nil, 0, types.WrapError(types.ErrCodeTransport, "failed to set deadline", err)
		}
	}

	start := time.Now()
	if err := writeAll(conn, payload); err != nil {
		return nil, 0, c.ioError(ctx, "failed to send request", err)
	}

	r := &countingReader{r: conn}
	body, err := c.codec.ReadFrame(r)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeProtocol) {
			return nil, r.n, err
		}
		return nil, r.n, c.ioError(ctx, "failed to read response", err)
	}

	var resp types.ReportResponse
	if err := frame.Unmarshal(body, &resp); err != nil {
		return nil, r.n, err
	}

	c.logger.Debug("Report request completed", "success", resp.Success, "duration", time.Since(start))
	return &resp, r.n, nil
}

// dial connects to the server, retrying while the endpoint is missing or
// refusing connections until the dial timeout expires.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	attempts := 0
	for {
		attempts++
		conn, err := d.DialContext(dialCtx, "unix", c.path)
		if err == nil {
			if attempts > 1 {
				c.logger.Debug("Connected after retry", "attempts", attempts)
			}
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCodeCanceled, "dial canceled", ctx.Err())
		}
		if !retryable(err) {
			return nil, types.WrapError(types.ErrCodeTransport, "failed to connect to report server", err)
		}

		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-timer.C:
		case <-dialCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, types.WrapError(types.ErrCodeCanceled, "dial canceled", ctx.Err())
			}
			return nil, types.WrapError(types.ErrCodeTransport,
				fmt.Sprintf("report server not reachable after %v", c.cfg.DialTimeout), err)
		}
	}
}

// retryable reports whether a dial failure means the server is busy or
// between endpoint instances.
func retryable(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EAGAIN)
}

// resetByPeer reports whether the server side dropped the connection
func resetByPeer(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func (c *Client) ioError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return types.WrapError(types.ErrCodeCanceled, msg, ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.WrapError(types.ErrCodeTimeout, msg, err)
	}
	return types.WrapError(types.ErrCodeTransport, msg, err)
}

func writeAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n
	return n, err
}
