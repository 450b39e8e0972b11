// Package frame implements the length-prefixed message framing used between
// report clients and the report server.
//
// A frame is a 4-byte signed length prefix followed by exactly that many bytes
// of UTF-8 encoded JSON:
//
//	+----------------+---------------------------+
//	| int32 length N | N bytes of UTF-8 JSON     |
//	+----------------+---------------------------+
//
// The prefix is little-endian by default, which is what .NET BitConverter based
// clients produce. A declared length that is zero, negative, larger than the
// codec limit, or not fully delivered before the stream ends is a protocol
// error; a decode never yields a partially filled value.
//
// Example usage:
//
//	codec := frame.New()
//	if err := codec.Write(conn, request); err != nil {
//	    return err
//	}
//
//	var resp types.ReportResponse
//	if err := codec.Decode(conn, &resp); err != nil {
//	    return err
//	}
package frame
