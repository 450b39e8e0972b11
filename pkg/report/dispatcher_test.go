package report

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/frame"
	"github.com/reportbridge/reportd/pkg/types"
)

const scenarioRequest = `{"CrystalReportLocation":"C:\\r.rpt","ReportOutputLocation":"C:\\out.xlsx","ReportDateFrom":"2024-01-01T00:00:00","ReportDateTo":"2024-01-31T00:00:00"}`

type call struct {
	template, output string
	from, to         time.Time
}

// stubEngine records calls and answers with fn
type stubEngine struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, template, output string) (string, error)
}

func (e *stubEngine) Generate(ctx context.Context, template, output string, from, to time.Time) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{template, output, from, to})
	e.mu.Unlock()
	if e.fn == nil {
		return output, nil
	}
	return e.fn(ctx, template, output)
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// countingConn counts Write calls
type countingConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(p)
}

func framed(payload string) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// exchange writes raw bytes to the dispatcher and reads back the raw response payload
func exchange(t *testing.T, d *Dispatcher, raw []byte) ([]byte, *Result, *countingConn) {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	conn := &countingConn{Conn: serverEnd}
	defer clientEnd.Close()

	results := make(chan *Result, 1)
	go func() { results <- d.Handle(context.Background(), conn) }()

	require.NoError(t, clientEnd.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := clientEnd.Write(raw)
	require.NoError(t, err)

	payload, err := frame.New().ReadFrame(clientEnd)
	require.NoError(t, err)

	select {
	case res := <-results:
		return payload, res, conn
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish")
		return nil, nil, nil
	}
}

func decodeResponse(t *testing.T, payload []byte) *types.ReportResponse {
	t.Helper()
	var resp types.ReportResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	return &resp
}

func TestScenarioSuccess(t *testing.T) {
	engine := &stubEngine{}
	d := New(engine, logger.NewNop())

	payload, res, conn := exchange(t, d, framed(scenarioRequest))

	assert.JSONEq(t, `{"Success":true,"OutputPath":"C:\\out.xlsx","ErrorMessage":null}`, string(payload))
	assert.NoError(t, res.Err)
	assert.NoError(t, res.SendErr)
	assert.Equal(t, int32(1), conn.writes.Load())

	require.Equal(t, 1, engine.callCount())
	got := engine.calls[0]
	assert.Equal(t, `C:\r.rpt`, got.template)
	assert.Equal(t, `C:\out.xlsx`, got.output)
	assert.True(t, got.from.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.to.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)))
}

func TestMinimumDateIsAccepted(t *testing.T) {
	engine := &stubEngine{}
	d := New(engine, logger.NewNop())

	payload, res, _ := exchange(t, d, framed(`{"CrystalReportLocation":"r.rpt","ReportOutputLocation":"o.xlsx","ReportDateFrom":"0001-01-01T00:00:00","ReportDateTo":"2024-01-31T00:00:00"}`))

	assert.True(t, decodeResponse(t, payload).Success, string(payload))
	assert.NoError(t, res.Err)
	require.Equal(t, 1, engine.callCount())
	assert.True(t, engine.calls[0].from.IsZero())
}

func TestScenarioLoadFailure(t *testing.T) {
	engine := &stubEngine{fn: func(context.Context, string, string) (string, error) {
		return "", types.NewEngineError(types.EngineLoadFailure, "template C:\\r.rpt could not be opened")
	}}
	d := New(engine, logger.NewNop())

	payload, res, _ := exchange(t, d, framed(scenarioRequest))

	resp := decodeResponse(t, payload)
	assert.False(t, resp.Success)
	assert.Nil(t, resp.OutputPath)
	assert.Equal(t, `Report generation failed: template C:\r.rpt could not be opened`, resp.Error())
	assert.Contains(t, string(payload), `"OutputPath":null`)
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeEngine))

	ee, ok := types.AsEngineError(res.Err)
	require.True(t, ok)
	assert.Equal(t, types.EngineLoadFailure, ee.Kind)
}

func TestScenarioZeroLengthPrefix(t *testing.T) {
	engine := &stubEngine{}
	d := New(engine, logger.NewNop())

	payload, res, _ := exchange(t, d, []byte{0, 0, 0, 0})

	resp := decodeResponse(t, payload)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error(), "Malformed request")
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeProtocol))
	assert.Zero(t, engine.callCount())
}

func TestPlainEngineErrorIsReported(t *testing.T) {
	engine := &stubEngine{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("disk full")
	}}
	d := New(engine, logger.NewNop())

	payload, res, _ := exchange(t, d, framed(scenarioRequest))

	assert.Equal(t, "Report generation failed: disk full", decodeResponse(t, payload).Error())
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeEngine))
}

func TestRejectedRequestsNeverReachEngine(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantMsg  string
		wantCode string
	}{
		{
			name:     "empty template",
			payload:  `{"CrystalReportLocation":"","ReportOutputLocation":"/out.xlsx","ReportDateFrom":"2024-01-01","ReportDateTo":"2024-01-31"}`,
			wantMsg:  "Invalid request: CrystalReportLocation must not be empty",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "whitespace output",
			payload:  `{"CrystalReportLocation":"/r.rpt","ReportOutputLocation":"   ","ReportDateFrom":"2024-01-01","ReportDateTo":"2024-01-31"}`,
			wantMsg:  "Invalid request: ReportOutputLocation must not be empty",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "missing field",
			payload:  `{"CrystalReportLocation":"/r.rpt","ReportOutputLocation":"/out.xlsx","ReportDateFrom":"2024-01-01"}`,
			wantMsg:  "Invalid request: ReportDateTo is required",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "wrong case field name",
			payload:  `{"crystalReportLocation":"/r.rpt","ReportOutputLocation":"/out.xlsx","ReportDateFrom":"2024-01-01","ReportDateTo":"2024-01-31"}`,
			wantMsg:  "Invalid request: CrystalReportLocation is required",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "non-string path",
			payload:  `{"CrystalReportLocation":42,"ReportOutputLocation":"/out.xlsx","ReportDateFrom":"2024-01-01","ReportDateTo":"2024-01-31"}`,
			wantMsg:  "Invalid request: CrystalReportLocation",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "unparseable date",
			payload:  `{"CrystalReportLocation":"/r.rpt","ReportOutputLocation":"/out.xlsx","ReportDateFrom":"last monday","ReportDateTo":"2024-01-31"}`,
			wantMsg:  "Invalid request: request has an invalid field",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "array instead of object",
			payload:  `["C:\\r.rpt"]`,
			wantMsg:  "Invalid request: ",
			wantCode: types.ErrCodeValidation,
		},
		{
			name:     "invalid json",
			payload:  `{"CrystalReportLocation":`,
			wantMsg:  "Malformed request: frame payload is not valid JSON",
			wantCode: types.ErrCodeProtocol,
		},
		{
			name:     "invalid utf-8",
			payload:  "{\"CrystalReportLocation\":\"\xff\"}",
			wantMsg:  "Malformed request: frame payload is not valid UTF-8",
			wantCode: types.ErrCodeProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{}
			d := New(engine, logger.NewNop())

			payload, res, conn := exchange(t, d, framed(tt.payload))

			resp := decodeResponse(t, payload)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.ErrorMessage)
			assert.Contains(t, *resp.ErrorMessage, tt.wantMsg)
			assert.Nil(t, resp.OutputPath)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(res.Err))
			assert.Zero(t, engine.callCount())
			assert.Equal(t, int32(1), conn.writes.Load())
		})
	}
}

func TestStateTransitions(t *testing.T) {
	record := func(d *[]State) StateHook {
		var mu sync.Mutex
		return func(_ types.ID, s State) {
			mu.Lock()
			defer mu.Unlock()
			*d = append(*d, s)
		}
	}

	t.Run("success path", func(t *testing.T) {
		var states []State
		d := New(&stubEngine{}, logger.NewNop(), WithStateHook(record(&states)))
		exchange(t, d, framed(scenarioRequest))

		assert.Equal(t, []State{
			StateAwaitFrame, StateDecode, StateValidate, StateDispatch,
			StateEncodeResponse, StateSend, StateClose,
		}, states)
	})

	t.Run("decode failure skips to response", func(t *testing.T) {
		var states []State
		d := New(&stubEngine{}, logger.NewNop(), WithStateHook(record(&states)))
		exchange(t, d, framed("not json"))

		assert.Equal(t, []State{
			StateAwaitFrame, StateDecode, StateEncodeResponse, StateSend, StateClose,
		}, states)
	})

	t.Run("validation failure skips dispatch", func(t *testing.T) {
		var states []State
		d := New(&stubEngine{}, logger.NewNop(), WithStateHook(record(&states)))
		exchange(t, d, framed(`{}`))

		assert.Equal(t, []State{
			StateAwaitFrame, StateDecode, StateValidate, StateEncodeResponse, StateSend, StateClose,
		}, states)
	})
}

func TestEnginePanicIsAnswered(t *testing.T) {
	engine := &stubEngine{fn: func(context.Context, string, string) (string, error) {
		panic("renderer crashed")
	}}
	d := New(engine, logger.NewNop())

	payload, res, _ := exchange(t, d, framed(scenarioRequest))

	resp := decodeResponse(t, payload)
	assert.False(t, resp.Success)
	assert.Equal(t, "Internal server error: report engine panicked: renderer crashed", resp.Error())
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeInternal))
	assert.Equal(t, uint64(1), d.Stats().InternalErrors)

	// The engine is usable again afterwards.
	engine.fn = nil
	payload, _, _ = exchange(t, d, framed(scenarioRequest))
	assert.True(t, decodeResponse(t, payload).Success)
}

func TestEngineTimeout(t *testing.T) {
	release := make(chan struct{})
	engine := &stubEngine{fn: func(ctx context.Context, _, output string) (string, error) {
		<-release // ignores cancellation
		return output, nil
	}}
	d := New(engine, logger.NewNop(), WithEngineTimeout(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, d.EngineTimeout())

	payload, res, _ := exchange(t, d, framed(scenarioRequest))
	assert.Equal(t, "Report generation failed: timed out after 50ms", decodeResponse(t, payload).Error())
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeTimeout))

	// The first call still holds the engine, so the next request times out
	// without a second concurrent call.
	payload, _, _ = exchange(t, d, framed(scenarioRequest))
	assert.Equal(t, "Report generation failed: timed out after 50ms", decodeResponse(t, payload).Error())
	assert.Equal(t, 1, engine.callCount())

	close(release)
	d.SetEngineTimeout(5 * time.Second)

	payload, _, _ = exchange(t, d, framed(scenarioRequest))
	assert.True(t, decodeResponse(t, payload).Success)
	assert.Equal(t, 2, engine.callCount())
}

func TestEngineHonouringDeadlineReportsTimeout(t *testing.T) {
	engine := &stubEngine{fn: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	d := New(engine, logger.NewNop(), WithEngineTimeout(20*time.Millisecond))

	payload, _, _ := exchange(t, d, framed(scenarioRequest))
	assert.Equal(t, "Report generation failed: timed out after 20ms", decodeResponse(t, payload).Error())
}

func TestPeerGoneBeforeResponse(t *testing.T) {
	engine := &stubEngine{}
	d := New(engine, logger.NewNop())

	serverEnd, clientEnd := net.Pipe()
	conn := &countingConn{Conn: serverEnd}

	results := make(chan *Result, 1)
	go func() { results <- d.Handle(context.Background(), conn) }()

	// Declare 100 bytes, send 10, hang up.
	raw := framed(scenarioRequest)
	binary.LittleEndian.PutUint32(raw, 100)
	_, err := clientEnd.Write(raw[:14])
	require.NoError(t, err)
	require.NoError(t, clientEnd.Close())

	res := <-results
	assert.True(t, types.IsErrCode(res.Err, types.ErrCodeProtocol))
	assert.True(t, types.IsErrCode(res.SendErr, types.ErrCodeTransport))
	assert.False(t, res.Response.Success)
	assert.Equal(t, int32(1), conn.writes.Load())
	assert.Zero(t, engine.callCount())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Handled)
	assert.Equal(t, uint64(1), stats.ProtocolErrors)
	assert.Equal(t, uint64(1), stats.SendFailures)
}

func TestCancellationUnblocksRead(t *testing.T) {
	d := New(&stubEngine{}, logger.NewNop())

	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()
	conn := &countingConn{Conn: serverEnd}

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan *Result, 1)
	go func() { results <- d.Handle(ctx, conn) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-results:
		assert.True(t, types.IsErrCode(res.Err, types.ErrCodeTransport))
		assert.Error(t, res.SendErr)
		assert.Equal(t, int32(1), conn.writes.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the dispatcher")
	}
}

func TestIOTimeout(t *testing.T) {
	d := New(&stubEngine{}, logger.NewNop(), WithIOTimeout(30*time.Millisecond))

	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()

	results := make(chan *Result, 1)
	go func() { results <- d.Handle(context.Background(), serverEnd) }()

	select {
	case res := <-results:
		assert.True(t, types.IsErrCode(res.Err, types.ErrCodeTransport))
		assert.ErrorIs(t, res.Err, os.ErrDeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not bounded by the io timeout")
	}
}

func TestStatsCountOutcomes(t *testing.T) {
	fail := false
	engine := &stubEngine{fn: func(_ context.Context, _, output string) (string, error) {
		if fail {
			return "", types.NewEngineError(types.EngineExportFailure, "export failed")
		}
		return output, nil
	}}
	d := New(engine, logger.NewNop())

	exchange(t, d, framed(scenarioRequest))
	fail = true
	exchange(t, d, framed(scenarioRequest))
	exchange(t, d, framed(`{}`))
	exchange(t, d, framed(`nope`))

	stats := d.Stats()
	assert.Equal(t, uint64(4), stats.Handled)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.EngineErrors)
	assert.Equal(t, uint64(1), stats.ValidationErrors)
	assert.Equal(t, uint64(1), stats.ProtocolErrors)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAIT_FRAME", StateAwaitFrame.String())
	assert.Equal(t, "ENCODE_RESPONSE", StateEncodeResponse.String())
	assert.Equal(t, "State(42)", State(42).String())
}
