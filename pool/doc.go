// Package pool
// Author: momentics <momentics@gmail.com>
//
// Typed wrappers over sync.Pool. The server draws WebSocket message
// reassembly and HTTP read buffers from here so steady-state traffic does not
// allocate per message.
package pool
