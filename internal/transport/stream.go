// File: internal/transport/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "errors"

var (
	// ErrAborted is passed to OnClose when the stream was aborted locally.
	ErrAborted = errors.New("transport: aborted")
	// ErrLingerTimeout is passed to OnClose when the peer never finished a
	// graceful shutdown.
	ErrLingerTimeout = errors.New("transport: linger timeout")
)

// Callbacks receive stream events on the loop thread.
type Callbacks struct {
	// OnData receives inbound bytes. b is only valid during the call.
	OnData func(b []byte)
	// OnWritable reports that flushed bytes left the outbound buffer, or
	// that the kernel accepts writes again after a short optional write.
	OnWritable func(flushed int)
	// OnClose fires exactly once when the descriptor is released. err is nil
	// for an orderly shutdown.
	OnClose func(err error)
}

// Stream is a loop-owned byte stream.
type Stream interface {
	SetCallbacks(cb Callbacks)
	// Write hands p to the kernel. An optional write never buffers: it
	// returns how much the kernel took, zero when backpressure already
	// exists. A forced write buffers what the kernel refused and returns
	// len(p). Writes on a closing stream return 0.
	Write(p []byte, optional bool) int
	// Buffered returns outbound bytes waiting for the kernel.
	Buffered() int
	// Close flushes the outbound buffer, then shuts the stream down.
	Close()
	// Abort drops buffered bytes and resets the connection now.
	Abort()
	// IsClosed reports whether Close or Abort was called or the peer left.
	IsClosed() bool
	RemoteIP() string
	LocalIP() string
}

// Deferrer posts work onto the loop thread.
type Deferrer interface {
	Defer(fn func()) bool
}
