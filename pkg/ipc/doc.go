// Package ipc provides the local endpoint the report server listens on.
//
// A Listener hands out one connection per AcceptOnce call. UnixListener
// implements it over a Unix domain socket bound to a well-known path:
//
//   - the endpoint is bound lazily on the first AcceptOnce
//   - in recreate-per-connection mode the endpoint is torn down after every
//     accepted connection and bound again for the next one
//   - a stale socket file left by a dead server is removed before binding,
//     while a live server on the same path is reported as ALREADY_EXISTS
//   - cancelling the context passed to AcceptOnce interrupts the wait
//
// Example usage:
//
//	ln, err := ipc.NewUnixListener(ipc.UnixListenerConfig{
//	    Path: "/run/user/1000/reportd.sock",
//	    Mode: 0o600,
//	}, log)
//	if err != nil {
//	    return err
//	}
//	defer ln.Close()
//
//	conn, err := ln.AcceptOnce(ctx)
package ipc
