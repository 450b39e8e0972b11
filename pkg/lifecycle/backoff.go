package lifecycle

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/reportbridge/reportd/pkg/types"
)

const (
	// DefaultTransportBackoff is the pause after a transport error on the endpoint
	DefaultTransportBackoff = 100 * time.Millisecond
	// DefaultErrorBackoff is the pause after any other unexpected error
	DefaultErrorBackoff = 1 * time.Second
)

// Backoff is the accept loop's retry policy: a short pause after transport
// errors and a longer one after anything else.
type Backoff struct {
	Transport time.Duration
	Other     time.Duration
}

// DefaultBackoff returns the 100ms / 1s policy
func DefaultBackoff() Backoff {
	return Backoff{Transport: DefaultTransportBackoff, Other: DefaultErrorBackoff}
}

// Delay returns the pause for err
func (b Backoff) Delay(err error) time.Duration {
	if IsTransportError(err) {
		return b.Transport
	}
	return b.Other
}

// Wait sleeps for the pause that applies to err. It returns ctx.Err() if ctx
// is done first.
func (b Backoff) Wait(ctx context.Context, err error) error {
	d := b.Delay(err)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransportError reports whether err is an I/O failure of a connection or
// of accepting one. A coded error counts only with the TRANSPORT code. Uncoded
// resets, broken pipes and socket errors count too, except failures to bind
// the endpoint, which do not clear up on a short retry.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if code := types.GetErrorCode(err); code != "" {
		return code == types.ErrCodeTransport
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op != "listen"
}
