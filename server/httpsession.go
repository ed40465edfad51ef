// File: server/httpsession.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// httpSession drives one accepted stream until it upgrades or closes. One
// transaction is in flight at a time; pipelined requests wait in the input
// buffer until the current response ends and its body was consumed.

package server

import (
	"container/list"
	"errors"
	"net/http"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"github.com/momentics/evws/internal/transport"
	"github.com/momentics/evws/protocol"
)

const (
	// maxSessionInput bounds unparsed bytes held for one connection.
	maxSessionInput = 1 << 20
	// httpIdleTicks sweep periods without a transaction close the stream.
	httpIdleTicks = 3
)

var (
	errUnfinished = errors.New("request handler neither ended nor deferred the response")
	errShutdown   = errors.New("server shutting down")
)

type httpSession struct {
	srv    *Server
	stream transport.Stream
	track  *list.Element

	in     []byte
	tx     *HTTPIO               // transaction awaiting its response
	body   *protocol.BodyDecoder // request body still arriving
	bodyIO *HTTPIO

	idle       int
	processing bool
	closeAfter bool
	upgraded   bool
	done       bool
}

func newHTTPSession(srv *Server, stream transport.Stream, track *list.Element) *httpSession {
	s := &httpSession{srv: srv, stream: stream, track: track}
	track.Value = s
	stream.SetCallbacks(transport.Callbacks{
		OnData:     s.onData,
		OnWritable: s.onWritable,
		OnClose:    s.onClose,
	})
	return s
}

func (s *httpSession) onData(b []byte) {
	if s.done || s.upgraded {
		return
	}
	s.idle = 0
	s.in = append(s.in, b...)
	if len(s.in) > maxSessionInput {
		s.srv.log.Debug("http input limit exceeded", "remote", s.stream.RemoteIP(), "buffered", len(s.in))
		s.abort(protocol.ErrHeadTooLarge)
		return
	}
	s.process()
}

func (s *httpSession) consume(n int) {
	s.in = s.in[:copy(s.in, s.in[n:])]
}

// process advances the session as far as buffered input allows.
func (s *httpSession) process() {
	if s.processing {
		return
	}
	s.processing = true
	defer func() { s.processing = false }()

	for !s.done && !s.upgraded {
		if s.body != nil {
			n, err := s.body.Feed(s.in, s.bodyIO.receive)
			s.consume(n)
			if err != nil {
				s.badBody(err)
				return
			}
			if !s.body.Done() {
				return
			}
			s.body, s.bodyIO = nil, nil
		}
		if s.tx != nil {
			return
		}
		if s.closeAfter {
			s.close()
			return
		}
		if len(s.in) == 0 {
			return
		}
		raw, n, err := protocol.ParseRequestHead(s.in)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, protocol.ErrHeadTooLarge) {
				status = http.StatusRequestHeaderFieldsTooLarge
			}
			s.srv.log.Debug("bad request head", "remote", s.stream.RemoteIP(), "err", err)
			s.reject(status)
			return
		}
		if raw == nil {
			return
		}
		s.consume(n)
		s.dispatch(raw)
	}
}

func (s *httpSession) dispatch(raw *http.Request) {
	req := newRequest(raw, s.stream.RemoteIP(), s.stream.LocalIP())
	if protocol.WantsClose(raw) {
		s.closeAfter = true
	}
	if protocol.IsUpgradeRequest(raw.Header) {
		if err := protocol.CheckUpgrade(raw.Method, raw.Header); err != nil {
			s.srv.metrics.Handshake(control.OutcomeInvalid)
			s.srv.log.Debug("invalid upgrade request", "remote", s.stream.RemoteIP(), "err", err)
			s.reject(http.StatusBadRequest)
			return
		}
		s.handshake(req)
		return
	}
	if !s.srv.limits.httpEnabled {
		s.reject(http.StatusNotFound)
		return
	}
	s.request(req, raw)
}

func (s *httpSession) handshake(req *Request) {
	up := &pendingUpgrade{key: req.Header(protocol.HeaderSecWebSocketKey)}
	io := newHTTPIO(s, req, up)
	s.tx = io
	s.srv.startSpan(io, "evws.handshake")

	io.dispatching = true
	conn := s.srv.app.HandleHandshake(req, io)
	io.dispatching = false

	if !io.valid.Load() {
		return
	}
	up.conn = conn
	switch {
	case up.requested, io.state == ioPending && conn != nil:
		if err := s.upgrade(io, conn); err != nil {
			s.srv.log.Warn("handshake failed", "remote", s.stream.RemoteIP(), "err", err)
		}
	case io.state == ioPending:
		_ = io.WriteStatus(http.StatusInternalServerError)
		_ = io.End(nil)
	}
}

// upgrade writes the 101 response and hands the stream to a wsHandle.
func (s *httpSession) upgrade(io *HTTPIO, conn Conn) error {
	if conn == nil || !conn.base().claim() {
		_ = io.WriteStatus(http.StatusInternalServerError)
		_ = io.End(nil)
		return api.ContractError("end_handshake", "handshake needs a fresh Conn")
	}
	accept := protocol.ComputeAcceptKey(io.up.key)
	b := protocol.AppendStatusLine(nil, http.StatusSwitchingProtocols)
	b = protocol.AppendHeader(b, protocol.HeaderUpgrade, "websocket")
	b = protocol.AppendHeader(b, protocol.HeaderConnection, "Upgrade")
	b = protocol.AppendHeader(b, protocol.HeaderSecWebSocketAccept, accept)
	for _, h := range io.headers {
		b = protocol.AppendHeader(b, h.name, h.value)
	}
	b = append(b, "\r\n"...)
	s.stream.Write(b, false)

	io.valid.Store(false)
	io.state = ioCompleted
	io.up = nil
	io.headSent = true
	io.endSpan(http.StatusSwitchingProtocols, nil)
	s.srv.metrics.Handshake(control.OutcomeAccepted)

	s.tx = nil
	s.upgraded = true
	rest := s.in
	s.in = nil
	newWSHandle(s.srv, s.stream, conn, s.track).open(rest)
	return nil
}

func (s *httpSession) request(req *Request, raw *http.Request) {
	io := newHTTPIO(s, req, nil)
	s.tx = io
	if body := protocol.NewBodyDecoder(raw); body.Done() {
		io.receive(nil, true)
	} else {
		s.body, s.bodyIO = body, io
	}
	s.srv.metrics.Request(raw.Method)
	s.srv.startSpan(io, "evws.request")

	io.dispatching = true
	s.srv.app.HandleRequest(req, io)
	io.dispatching = false

	if io.valid.Load() && io.state == ioPending {
		s.srv.log.Warn("aborting unfinished request", "method", req.Method(), "path", req.Path())
		io.aborted(errUnfinished, false)
		s.tx = nil
		s.close()
	}
}

// txDone is called by the HTTPIO once its response is complete.
func (s *httpSession) txDone() {
	s.tx = nil
	if !s.processing && !s.done {
		s.srv.loop.Defer(s.process)
	}
}

func (s *httpSession) badBody(err error) {
	s.srv.log.Debug("bad request body", "remote", s.stream.RemoteIP(), "err", err)
	tx := s.tx
	if tx != nil && tx.headSent {
		s.abort(err)
		return
	}
	if tx != nil {
		s.tx = nil
		tx.aborted(err, true)
	}
	s.reject(http.StatusBadRequest)
}

// reject answers with an empty response and closes.
func (s *httpSession) reject(status int) {
	b := protocol.AppendStatusLine(nil, status)
	b = protocol.AppendHeader(b, "Content-Length", "0")
	b = protocol.AppendHeader(b, "Connection", "close")
	b = append(b, "\r\n"...)
	s.stream.Write(b, false)
	s.close()
}

func (s *httpSession) close() {
	s.done = true
	s.in = nil
	s.stream.Close()
}

func (s *httpSession) abort(reason error) {
	s.done = true
	s.in = nil
	if tx := s.tx; tx != nil {
		s.tx = nil
		tx.aborted(reason, true)
	}
	s.stream.Abort()
}

func (s *httpSession) onWritable(int) {
	if s.tx != nil {
		s.tx.writable()
	}
}

func (s *httpSession) onClose(err error) {
	s.srv.untrack(s.track)
	s.done = true
	s.in = nil
	if tx := s.tx; tx != nil {
		s.tx = nil
		if err == nil {
			err = api.ErrTransportClosed
		}
		tx.aborted(err, true)
	}
}

func (s *httpSession) tick() {
	if s.done || s.upgraded {
		return
	}
	if s.tx != nil {
		s.idle = 0
		return
	}
	s.idle++
	if s.idle >= httpIdleTicks {
		s.close()
	}
}

func (s *httpSession) shutdown() { s.abort(errShutdown) }

func (s *httpSession) kill() { s.abort(errShutdown) }
