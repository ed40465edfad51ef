// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking stream sockets bound to a reactor.Loop. A Stream buffers
// outbound bytes the kernel did not accept (backpressure), reports flush
// progress through OnWritable and distinguishes graceful Close from Abort.
// All Stream methods are loop thread only. The TLS variant wraps any Stream.

package transport
