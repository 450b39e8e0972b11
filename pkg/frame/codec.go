package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/reportbridge/reportd/pkg/types"
)

// PrefixSize is the size of the length prefix in bytes
const PrefixSize = 4

// DefaultMaxFrame is the default upper bound on a frame payload (16 MB)
const DefaultMaxFrame int = 16 << 20

// Codec reads and writes length-prefixed JSON frames
type Codec struct {
	order    binary.ByteOrder
	maxFrame int
}

// Option configures a Codec
type Option func(*Codec)

// WithByteOrder sets the byte order of the length prefix
func WithByteOrder(order binary.ByteOrder) Option {
	return func(c *Codec) {
		if order != nil {
			c.order = order
		}
	}
}

// WithMaxFrame sets the largest payload the codec accepts or produces.
// Values outside (0, MaxInt32] keep the default.
func WithMaxFrame(n int) Option {
	return func(c *Codec) {
		if n > 0 && n <= math.MaxInt32 {
			c.maxFrame = n
		}
	}
}

// New creates a codec with little-endian prefixes and DefaultMaxFrame
func New(opts ...Option) *Codec {
	c := &Codec{
		order:    binary.LittleEndian,
		maxFrame: DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFrame returns the payload limit
func (c *Codec) MaxFrame() int {
	return c.maxFrame
}

// Encode serializes v to JSON and returns the complete frame, prefix included
func (c *Codec) Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeProtocol, "failed to serialize frame payload", err)
	}
	return c.frame(payload)
}

// Write encodes v and writes the frame with a single Write call
func (c *Codec) Write(w io.Writer, v any) error {
	buf, err := c.Encode(v)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

// WriteFrame writes an already serialized payload as one frame
func (c *Codec) WriteFrame(w io.Writer, payload []byte) error {
	buf, err := c.frame(payload)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

// ReadFrame reads one frame and returns its raw payload.
//
// A stream that ends before the first prefix byte yields a TRANSPORT error
// wrapping io.EOF. Bad lengths and truncated frames yield PROTOCOL errors;
// any other read failure is a TRANSPORT error.
func (c *Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, types.WrapError(types.ErrCodeTransport, "connection closed before frame", io.EOF)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, types.WrapError(types.ErrCodeProtocol,
				fmt.Sprintf("truncated length prefix: got %d of %d bytes", n, PrefixSize), err)
		default:
			return nil, types.WrapError(types.ErrCodeTransport, "failed to read length prefix", err)
		}
	}

	length := int32(c.order.Uint32(prefix[:]))
	if length <= 0 {
		return nil, types.NewError(types.ErrCodeProtocol, fmt.Sprintf("invalid frame length %d", length))
	}
	if int(length) > c.maxFrame {
		return nil, types.NewError(types.ErrCodeProtocol,
			fmt.Sprintf("frame length %d exceeds limit %d", length, c.maxFrame))
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, types.WrapError(types.ErrCodeProtocol,
				fmt.Sprintf("short frame: got %d of %d bytes", n, length), io.ErrUnexpectedEOF)
		}
		return nil, types.WrapError(types.ErrCodeTransport, "failed to read frame payload", err)
	}
	return payload, nil
}

// Decode reads one frame and parses its JSON payload into v, which must be a
// non-nil pointer. v is left untouched unless the whole payload parses.
func (c *Codec) Decode(r io.Reader, v any) error {
	payload, err := c.ReadFrame(r)
	if err != nil {
		return err
	}
	return Unmarshal(payload, v)
}

// Unmarshal parses a frame payload into v with the same guarantees as Decode
func Unmarshal(payload []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("decode target must be a non-nil pointer, got %T", v))
	}
	if !utf8.Valid(payload) {
		return types.NewError(types.ErrCodeProtocol, "frame payload is not valid UTF-8")
	}

	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(payload, tmp.Interface()); err != nil {
		return types.WrapError(types.ErrCodeProtocol, "frame payload is not valid JSON", err)
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}

func (c *Codec) frame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, types.NewError(types.ErrCodeProtocol, "refusing to write an empty frame")
	}
	if len(payload) > c.maxFrame {
		return nil, types.NewError(types.ErrCodeProtocol,
			fmt.Sprintf("encoded frame size %d exceeds limit %d", len(payload), c.maxFrame))
	}

	buf := make([]byte, PrefixSize+len(payload))
	c.order.PutUint32(buf[:PrefixSize], uint32(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf, nil
}

func writeAll(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return types.WrapError(types.ErrCodeTransport, "failed to write frame", err)
	}
	if n != len(buf) {
		return types.WrapError(types.ErrCodeTransport, "failed to write frame", io.ErrShortWrite)
	}
	return nil
}

var defaultCodec = New()

// Encode encodes v with the default codec
func Encode(v any) ([]byte, error) {
	return defaultCodec.Encode(v)
}

// Decode decodes one frame from r into v with the default codec
func Decode(r io.Reader, v any) error {
	return defaultCodec.Decode(r, v)
}
