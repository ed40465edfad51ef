// File: server/doc.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event-loop WebSocket/HTTP server. One reactor.Loop owns every socket; the
// application plugs in through Application (handshake and request dispatch)
// and Conn (per-connection hooks, implemented by embedding Connection).
//
// Threading: hooks run on the loop thread. Connection.LoopSubmit,
// HTTPIO.Defer and Server.Submit are the only calls meant for other
// goroutines; Send, Close, Abort, Walk and CloseConnections are loop thread
// only.
package server
