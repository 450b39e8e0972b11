package client

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/pkg/frame"
	"github.com/reportbridge/reportd/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func testRequest() *types.ReportRequest {
	return &types.ReportRequest{
		CrystalReportLocation: "/reports/monthly.rpt",
		ReportOutputLocation:  "/out/monthly.xlsx",
		ReportDateFrom:        types.NewDateTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		ReportDateTo:          types.NewDateTime(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)),
	}
}

func fastConfig() config.ClientConfig {
	return config.ClientConfig{DialTimeout: 2 * time.Second, RetryInterval: 5 * time.Millisecond}
}

// serveOnce accepts one connection on path and answers it with reply
func serveOnce(t *testing.T, path string, reply func(conn net.Conn)) <-chan struct{} {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reply(conn)
	}()
	return done
}

func TestGenerateRoundTrip(t *testing.T) {
	path := socketPath(t)
	var got types.ReportRequest
	done := serveOnce(t, path, func(conn net.Conn) {
		if err := frame.Decode(conn, &got); err != nil {
			return
		}
		frame.New().Write(conn, types.NewSuccessResponse(got.ReportOutputLocation))
	})

	c, err := New(path, fastConfig())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	<-done

	assert.True(t, resp.Success)
	assert.Equal(t, "/out/monthly.xlsx", resp.Output())
	assert.Equal(t, "/reports/monthly.rpt", got.CrystalReportLocation)
	assert.True(t, got.ReportDateTo.Equal(testRequest().ReportDateTo))
}

func TestGenerateFailureResponseIsNotAnError(t *testing.T) {
	path := socketPath(t)
	done := serveOnce(t, path, func(conn net.Conn) {
		var req types.ReportRequest
		frame.Decode(conn, &req)
		frame.New().Write(conn, types.NewFailureResponse("Report generation failed: LoadFailure"))
	})

	c, err := New(path, fastConfig())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	<-done
	assert.False(t, resp.Success)
	assert.Equal(t, "Report generation failed: LoadFailure", resp.Error())
}

func TestGenerateWaitsForEndpoint(t *testing.T) {
	path := socketPath(t)
	c, err := New(path, fastConfig())
	require.NoError(t, err)

	ready := make(chan (<-chan struct{}), 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ready <- serveOnce(t, path, func(conn net.Conn) {
			var req types.ReportRequest
			frame.Decode(conn, &req)
			frame.New().Write(conn, types.NewSuccessResponse(req.ReportOutputLocation))
		})
	}()

	resp, err := c.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	<-<-ready
}

func TestGenerateDialTimeout(t *testing.T) {
	c, err := New(socketPath(t), config.ClientConfig{DialTimeout: 30 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGenerateCanceledWhileDialing(t *testing.T) {
	c, err := New(socketPath(t), config.ClientConfig{DialTimeout: time.Minute, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, testRequest())
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestGenerateServerHangsUp(t *testing.T) {
	path := socketPath(t)
	done := serveOnce(t, path, func(conn net.Conn) {
		var req types.ReportRequest
		frame.Decode(conn, &req)
	})

	c, err := New(path, fastConfig())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Generate(context.Background(), testRequest())
	<-done
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	// A clean hangup after the request was read is not retried.
	assert.Less(t, time.Since(start), time.Second)
}

// dropThenServe closes the first drop connections unread, which resets them,
// and answers the next one.
func dropThenServe(t *testing.T, path string, drop int) (<-chan struct{}, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	var accepted atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ln.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if int(accepted.Add(1)) <= drop {
				conn.Close()
				continue
			}
			var req types.ReportRequest
			if err := frame.Decode(conn, &req); err == nil {
				frame.New().Write(conn, types.NewSuccessResponse(req.ReportOutputLocation))
			}
			conn.Close()
			return
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return done, &accepted
}

func TestGenerateRedialsAfterReset(t *testing.T) {
	path := socketPath(t)
	done, accepted := dropThenServe(t, path, 2)

	c, err := New(path, fastConfig())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	<-done
	assert.True(t, resp.Success)
	assert.Equal(t, "/out/monthly.xlsx", resp.Output())
	assert.Equal(t, int32(3), accepted.Load())
}

func TestGenerateResetUntilDialTimeout(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	var accepted atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			conn.Close()
		}
	}()

	c, err := New(path, config.ClientConfig{DialTimeout: 100 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), testRequest())
	ln.Close()
	<-done
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	assert.Greater(t, accepted.Load(), int32(1))
}

func TestGenerateMalformedResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"invalid json", []byte("{nope")},
		{"not utf8", []byte{0xff, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := socketPath(t)
			done := serveOnce(t, path, func(conn net.Conn) {
				var req types.ReportRequest
				frame.Decode(conn, &req)
				frame.New().WriteFrame(conn, tt.reply)
			})

			c, err := New(path, fastConfig())
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), testRequest())
			<-done
			assert.True(t, types.IsErrCode(err, types.ErrCodeProtocol))
		})
	}
}

func TestGenerateNegativeLengthResponse(t *testing.T) {
	path := socketPath(t)
	done := serveOnce(t, path, func(conn net.Conn) {
		var req types.ReportRequest
		frame.Decode(conn, &req)
		prefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(prefix, 0xFFFFFFFF)
		conn.Write(prefix)
	})

	c, err := New(path, fastConfig())
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), testRequest())
	<-done
	assert.True(t, types.IsErrCode(err, types.ErrCodeProtocol))
}

func TestGenerateResponseTimeout(t *testing.T) {
	path := socketPath(t)
	release := make(chan struct{})
	done := serveOnce(t, path, func(conn net.Conn) {
		<-release
	})

	cfg := fastConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	c, err := New(path, cfg)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), testRequest())
	close(release)
	<-done
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
}

func TestNewValidates(t *testing.T) {
	_, err := New("", config.ClientConfig{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	c, err := New("/tmp/x.sock", config.ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultClientConfig().DialTimeout, c.cfg.DialTimeout)

	_, err = c.Generate(context.Background(), nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
