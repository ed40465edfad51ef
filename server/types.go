// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "github.com/momentics/evws/api"

// Application receives inbound transactions.
type Application interface {
	// HandleHandshake decides a WebSocket upgrade. Returning a Conn without
	// touching io accepts, returning nil rejects with 500. Setting an abort
	// handler on io defers the decision until io.EndHandshake or io.End.
	HandleHandshake(req *Request, io *HTTPIO) Conn
	// HandleRequest serves a plain HTTP request when HTTP is enabled. The
	// handler must end io or set an abort handler before returning,
	// otherwise the request is aborted.
	HandleRequest(req *Request, io *HTTPIO)
}

// Conn is an application connection. Implementations embed Connection and
// override the hooks they need. HandleOpen precedes every HandleMessage and
// HandleDrain; HandleClose runs exactly once. A message payload is only
// valid during HandleMessage.
type Conn interface {
	HandleOpen()
	HandleMessage(payload []byte, format api.Format)
	HandleDrain()
	HandleClose(code int, reason string)

	base() *Connection
}

// Pinger is implemented by connections that want to see inbound pings. The
// pong reply is sent automatically.
type Pinger interface {
	HandlePing(payload []byte)
}

// Ponger is implemented by connections that want to see inbound pongs.
type Ponger interface {
	HandlePong(payload []byte)
}

// EntireBody passed as total size to HTTPIO.SendContent means data is the
// whole remaining body.
const EntireBody int64 = -1
