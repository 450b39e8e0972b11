// Package report serves one report request per connection.
//
// A Dispatcher owns the per-connection state machine:
//
//	AWAIT_FRAME -> DECODE -> VALIDATE -> DISPATCH -> ENCODE_RESPONSE -> SEND -> CLOSE
//
// Decode and validation failures skip straight to ENCODE_RESPONSE with a
// failure response, so the Engine is only called for well-formed requests.
// Every path writes exactly one response and ends in CLOSE.
package report
