// Package ipc provides JSON-RPC over Unix domain sockets for daemon control.
//
// The daemon listens on a socket under the data directory; the conductor
// CLI connects as a client. All requests are synchronous: the CLI issues a
// call, the daemon acts on its components, and the response carries the
// outcome. Log follow mode is the one long-poll: LogTail blocks briefly
// when no new lines are available so the client can loop without spinning.
package ipc
