package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/frame"
	"github.com/reportbridge/reportd/pkg/types"
)

// Response message prefixes
const (
	msgMalformed  = "Malformed request: "
	msgUnreadable = "Request could not be read: "
	msgInvalid    = "Invalid request: "
	msgEngine     = "Report generation failed: "
	msgInternal   = "Internal server error: "
)

// State is a step of the per-connection state machine
type State int

const (
	StateAwaitFrame State = iota
	StateDecode
	StateValidate
	StateDispatch
	StateEncodeResponse
	StateSend
	StateClose
)

func (s State) String() string {
	switch s {
	case StateAwaitFrame:
		return "AWAIT_FRAME"
	case StateDecode:
		return "DECODE"
	case StateValidate:
		return "VALIDATE"
	case StateDispatch:
		return "DISPATCH"
	case StateEncodeResponse:
		return "ENCODE_RESPONSE"
	case StateSend:
		return "SEND"
	case StateClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateHook observes state transitions of a connection
type StateHook func(connID types.ID, state State)

// Result describes how one connection was handled
type Result struct {
	ConnID   types.ID
	Request  *types.ReportRequest
	Response *types.ReportResponse
	// Err is the failure behind an unsuccessful response, nil on success
	Err error
	// SendErr is set when the response could not be written
	SendErr  error
	Duration time.Duration
}

// Stats holds dispatcher counters
type Stats struct {
	Handled          uint64
	Succeeded        uint64
	ProtocolErrors   uint64
	ValidationErrors uint64
	EngineErrors     uint64
	TransportErrors  uint64
	InternalErrors   uint64
	SendFailures     uint64
}

type stats struct {
	handled      atomic.Uint64
	succeeded    atomic.Uint64
	protocol     atomic.Uint64
	validation   atomic.Uint64
	engine       atomic.Uint64
	transport    atomic.Uint64
	internal     atomic.Uint64
	sendFailures atomic.Uint64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithCodec sets the frame codec
func WithCodec(c *frame.Codec) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

// WithIOTimeout bounds each read and write on the connection. Zero disables it.
func WithIOTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.ioTimeout = timeout }
}

// WithEngineTimeout bounds each engine call. Zero disables it.
func WithEngineTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.engineTimeout.Store(int64(timeout)) }
}

// WithStateHook registers an observer for state transitions
func WithStateHook(hook StateHook) Option {
	return func(d *Dispatcher) { d.hook = hook }
}

// Dispatcher handles one connection at a time: read a request, run the
// engine, write the response, close.
type Dispatcher struct {
	engine        Engine
	codec         *frame.Codec
	logger        *logger.Logger
	ioTimeout     time.Duration
	engineTimeout atomic.Int64
	hook          StateHook

	// busy is held for the whole engine call, including calls that outlive
	// their deadline, so the engine never runs two requests at once.
	busy chan struct{}

	stats stats
}

// New creates a dispatcher for engine
func New(engine Engine, log *logger.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{
		engine: engine,
		codec:  frame.New(),
		logger: log.With("component", "dispatcher"),
		busy:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetEngineTimeout changes the engine deadline for subsequent requests
func (d *Dispatcher) SetEngineTimeout(timeout time.Duration) {
	d.engineTimeout.Store(int64(timeout))
}

// EngineTimeout returns the current engine deadline
func (d *Dispatcher) EngineTimeout() time.Duration {
	return time.Duration(d.engineTimeout.Load())
}

// Handle serves conn and closes it. It never returns an error: every failure
// is turned into a response or, when the response cannot be sent, logged.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn) *Result {
	start := time.Now()
	res := &Result{ConnID: types.GenerateID()}
	log := d.logger.With("conn_id", res.ConnID.String())

	// Cancellation interrupts any blocked read or write.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		conn.Close()
		d.enter(res.ConnID, StateClose)
		res.Duration = time.Since(start)
		d.stats.handled.Add(1)
		log.Debug("Connection closed", "duration", res.Duration, "success", res.Response != nil && res.Response.Success)
	}()

	res.Response, res.Request, res.Err = d.process(ctx, conn, res.ConnID, log)
	d.record(res.Err)

	d.enter(res.ConnID, StateEncodeResponse)
	buf, err := d.codec.Encode(res.Response)
	if err != nil {
		log.Error("Failed to encode response", "error", err)
		res.Err = types.WrapError(types.ErrCodeInternal, "failed to encode response", err)
		res.Response = types.NewFailureResponse(msgInternal + "response could not be encoded")
		if buf, err = d.codec.Encode(res.Response); err != nil {
			res.SendErr = err
			d.stats.sendFailures.Add(1)
			return res
		}
	}

	d.enter(res.ConnID, StateSend)
	if err := d.send(ctx, conn, buf); err != nil {
		res.SendErr = err
		d.stats.sendFailures.Add(1)
		log.Warn("Failed to send response", "error", err)
	}

	if res.Response.Success {
		log.Info("Report generated", "output", res.Response.Output())
	} else {
		log.Warn("Request failed", "code", types.GetErrorCode(res.Err), "error", res.Response.Error())
	}
	return res
}

// process runs AWAIT_FRAME through DISPATCH and always returns a response
func (d *Dispatcher) process(ctx context.Context, conn net.Conn, id types.ID, log *logger.Logger) (*types.ReportResponse, *types.ReportRequest, error) {
	d.enter(id, StateAwaitFrame)
	d.armDeadline(ctx, conn.SetReadDeadline)
	payload, err := d.codec.ReadFrame(conn)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeTransport) {
			return types.NewFailureResponse(msgUnreadable + describe(err)), nil, err
		}
		return types.NewFailureResponse(msgMalformed + describe(err)), nil, err
	}

	d.enter(id, StateDecode)
	var raw json.RawMessage
	if err := frame.Unmarshal(payload, &raw); err != nil {
		return types.NewFailureResponse(msgMalformed + describe(err)), nil, err
	}

	d.enter(id, StateValidate)
	req, err := validateRequest(payload)
	if err != nil {
		return types.NewFailureResponse(msgInvalid + describe(err)), nil, err
	}
	log.Debug("Request accepted", "request", req.String())

	d.enter(id, StateDispatch)
	resp, err := d.dispatch(ctx, req, log)
	return resp, req, err
}

// dispatch calls the engine and maps its outcome to a response. The engine
// deadline covers waiting for a previous call to release the engine.
func (d *Dispatcher) dispatch(ctx context.Context, req *types.ReportRequest, log *logger.Logger) (*types.ReportResponse, error) {
	timeout := d.EngineTimeout()
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	select {
	case d.busy <- struct{}{}:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return shuttingDown(ctx)
		}
		log.Warn("Report engine still busy with a previous request")
		return d.timedOut(timeout, log)
	}

	type outcome struct {
		path string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-d.busy }()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Report engine panicked", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: types.NewError(types.ErrCodeInternal, fmt.Sprintf("report engine panicked: %v", r))}
			}
		}()
		path, err := d.engine.Generate(callCtx, req.CrystalReportLocation, req.ReportOutputLocation,
			req.ReportDateFrom.Time, req.ReportDateTo.Time)
		done <- outcome{path: path, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return d.timedOut(timeout, log)
		}
		return d.engineResponse(req, out.path, out.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return shuttingDown(ctx)
		}
		return d.timedOut(timeout, log)
	}
}

func shuttingDown(ctx context.Context) (*types.ReportResponse, error) {
	err := types.WrapError(types.ErrCodeCanceled, "server is shutting down", ctx.Err())
	return types.NewFailureResponse(msgEngine + "server is shutting down"), err
}

func (d *Dispatcher) timedOut(timeout time.Duration, log *logger.Logger) (*types.ReportResponse, error) {
	log.Error("Report engine timed out", "timeout", timeout)
	err := types.NewError(types.ErrCodeTimeout, fmt.Sprintf("report engine timed out after %s", timeout))
	return types.NewFailureResponse(fmt.Sprintf("%stimed out after %s", msgEngine, timeout)), err
}

func (d *Dispatcher) engineResponse(req *types.ReportRequest, path string, err error) (*types.ReportResponse, error) {
	if err == nil {
		if path == "" {
			path = req.ReportOutputLocation
		}
		return types.NewSuccessResponse(path), nil
	}
	if types.IsErrCode(err, types.ErrCodeInternal) {
		return types.NewFailureResponse(msgInternal + describe(err)), err
	}
	if ee, ok := types.AsEngineError(err); ok {
		return types.NewFailureResponse(msgEngine + ee.Message), types.WrapError(types.ErrCodeEngine, string(ee.Kind), ee)
	}
	return types.NewFailureResponse(msgEngine + err.Error()), types.WrapError(types.ErrCodeEngine, "report engine failed", err)
}

func (d *Dispatcher) send(ctx context.Context, conn net.Conn, buf []byte) error {
	d.armDeadline(ctx, conn.SetWriteDeadline)
	n, err := conn.Write(buf)
	if err != nil {
		return types.WrapError(types.ErrCodeTransport, "failed to write response", err)
	}
	if n != len(buf) {
		return types.NewError(types.ErrCodeTransport, fmt.Sprintf("short response write: %d of %d bytes", n, len(buf)))
	}
	return nil
}

// armDeadline applies the I/O timeout, keeping the immediate deadline set
// by cancellation if the context is already done.
func (d *Dispatcher) armDeadline(ctx context.Context, set func(time.Time) error) {
	if d.ioTimeout > 0 {
		set(time.Now().Add(d.ioTimeout))
	}
	if ctx.Err() != nil {
		set(time.Now())
	}
}

func (d *Dispatcher) enter(id types.ID, s State) {
	if d.hook != nil {
		d.hook(id, s)
	}
}

func (d *Dispatcher) record(err error) {
	switch types.GetErrorCode(err) {
	case "":
		d.stats.succeeded.Add(1)
	case types.ErrCodeProtocol:
		d.stats.protocol.Add(1)
	case types.ErrCodeValidation:
		d.stats.validation.Add(1)
	case types.ErrCodeEngine, types.ErrCodeTimeout, types.ErrCodeCanceled:
		d.stats.engine.Add(1)
	case types.ErrCodeTransport:
		d.stats.transport.Add(1)
	default:
		d.stats.internal.Add(1)
	}
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Handled:          d.stats.handled.Load(),
		Succeeded:        d.stats.succeeded.Load(),
		ProtocolErrors:   d.stats.protocol.Load(),
		ValidationErrors: d.stats.validation.Load(),
		EngineErrors:     d.stats.engine.Load(),
		TransportErrors:  d.stats.transport.Load(),
		InternalErrors:   d.stats.internal.Load(),
		SendFailures:     d.stats.sendFailures.Load(),
	}
}

// describe returns the innermost useful message of a coded error
func describe(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
