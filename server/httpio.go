// File: server/httpio.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTPIO is the single-use handle of one HTTP transaction or one pending
// WebSocket upgrade. Its completion mode is an explicit state:
//
//	pending   dispatch has not returned and nothing deferred the response
//	deferred  an abort handler was set; the application finishes later
//	completed the response ended, was upgraded or was aborted
//
// Every method except IsValid and Defer is loop thread only.

package server

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"github.com/momentics/evws/protocol"
	"go.opentelemetry.io/otel/trace"
)

type ioState uint8

const (
	ioPending ioState = iota
	ioDeferred
	ioCompleted
)

func (s ioState) String() string {
	switch s {
	case ioPending:
		return "pending"
	case ioDeferred:
		return "deferred"
	default:
		return "completed"
	}
}

// pendingUpgrade is what a deferred handshake needs to finish later.
type pendingUpgrade struct {
	key       string
	conn      Conn
	requested bool // EndHandshake called while dispatching
}

type headerField struct{ name, value string }

// HTTPIO is handed to HandleHandshake and HandleRequest.
type HTTPIO struct {
	sess  *httpSession
	srv   *Server
	req   *Request
	up    *pendingUpgrade
	state ioState
	valid atomic.Bool

	dispatching bool
	headOnly    bool // HEAD request: no body bytes on the wire

	status   int
	headers  []headerField
	headSent bool
	chunked  bool
	offset   int64
	total    int64

	onAbort   func()
	onReceive func(chunk []byte, last bool)
	onSend    func(offset int64) bool

	recvBuf    []byte
	recvLast   bool
	recvQueued bool

	ctx  context.Context
	span trace.Span
}

func newHTTPIO(sess *httpSession, req *Request, up *pendingUpgrade) *HTTPIO {
	io := &HTTPIO{
		sess:     sess,
		srv:      sess.srv,
		req:      req,
		up:       up,
		headOnly: req.Method() == "HEAD",
		total:    -1,
	}
	io.valid.Store(true)
	return io
}

func invalidIO(op string) error {
	return api.NewError(api.ErrCodeInvalidIO, op, api.ErrInvalidIO, "transaction already finished")
}

func handlerSet(op string) error {
	return api.NewError(api.ErrCodeContract, op, api.ErrHandlerAlreadySet, "handler already set")
}

// IsValid reports whether the transaction is still open. Safe from any
// goroutine; may be stale as soon as it returns.
func (io *HTTPIO) IsValid() bool { return io.valid.Load() }

// Defer runs fn on the loop thread. It returns false once the handle is
// invalid. fn must re-check IsValid. Safe from any goroutine.
func (io *HTTPIO) Defer(fn func()) bool {
	if fn == nil || !io.valid.Load() {
		return false
	}
	return io.srv.loop.Defer(fn)
}

// Context carries the transaction span.
func (io *HTTPIO) Context() context.Context {
	if io.ctx == nil {
		return context.Background()
	}
	return io.ctx
}

// SetAbortHandler registers fn for a peer disconnect before completion. It
// also marks the transaction deferred: the server will not finish it when
// dispatch returns.
func (io *HTTPIO) SetAbortHandler(fn func()) error {
	if !io.valid.Load() {
		return invalidIO("set_abort_handler")
	}
	if io.onAbort != nil {
		return handlerSet("set_abort_handler")
	}
	io.onAbort = fn
	if io.state == ioPending {
		io.state = ioDeferred
	}
	return nil
}

// SetReceiveHandler registers fn for request body chunks. A chunk is only
// valid during the call. Chunks that arrived earlier are delivered on the
// next loop pass; a request without a body produces a single (nil, true).
func (io *HTTPIO) SetReceiveHandler(fn func(chunk []byte, last bool)) error {
	if !io.valid.Load() {
		return invalidIO("set_receive_handler")
	}
	if io.onReceive != nil {
		return handlerSet("set_receive_handler")
	}
	io.onReceive = fn
	if len(io.recvBuf) > 0 || io.recvLast {
		io.recvQueued = true
		io.srv.loop.Defer(io.flushReceive)
	}
	return nil
}

// SetSendHandler registers fn, called with the body offset each time the
// socket accepts bytes again after a short SendContent. fn returns whether
// its SendContent call made progress. An upgrade completes implicitly
// unless deferred, so the handler is refused on a pending handshake.
func (io *HTTPIO) SetSendHandler(fn func(offset int64) bool) error {
	if !io.valid.Load() {
		return invalidIO("set_send_handler")
	}
	if io.onSend != nil {
		return handlerSet("set_send_handler")
	}
	if io.up != nil && io.state != ioDeferred {
		return api.ContractError("set_send_handler", "handshake completes implicitly; set an abort handler to defer it first")
	}
	io.onSend = fn
	return nil
}

// WriteStatus sets the response status. Default 200.
func (io *HTTPIO) WriteStatus(code int) error {
	if !io.valid.Load() {
		return invalidIO("write_status")
	}
	if io.headSent {
		return api.ContractError("write_status", "response head already sent")
	}
	if code < 100 || code > 999 {
		return api.ContractError("write_status", "invalid status %d", code)
	}
	io.status = code
	return nil
}

// WriteHeader adds a response header. Framing headers are managed by the
// server and refused.
func (io *HTTPIO) WriteHeader(name, value string) error {
	if !io.valid.Load() {
		return invalidIO("write_header")
	}
	if io.headSent {
		return api.ContractError("write_header", "response head already sent")
	}
	if strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
		return api.ContractError("write_header", "invalid header %q", name)
	}
	switch strings.ToLower(name) {
	case "content-length", "transfer-encoding":
		return api.ContractError("write_header", "%s is set by the server", name)
	}
	io.headers = append(io.headers, headerField{name, value})
	return nil
}

func (io *HTTPIO) writeHead(length int64, chunked bool) {
	status := io.status
	if status == 0 {
		status = 200
	}
	b := protocol.AppendStatusLine(nil, status)
	for _, h := range io.headers {
		b = protocol.AppendHeader(b, h.name, h.value)
	}
	if chunked {
		b = protocol.AppendHeader(b, "Transfer-Encoding", "chunked")
	} else {
		b = protocol.AppendHeader(b, "Content-Length", strconv.FormatInt(length, 10))
	}
	if io.sess.closeAfter {
		b = protocol.AppendHeader(b, "Connection", "close")
	}
	b = append(b, "\r\n"...)
	io.sess.stream.Write(b, false)
	io.headSent = true
	io.status = status
}

// Write streams one body chunk with chunked transfer coding. It reports
// whether the socket took the bytes without queueing.
func (io *HTTPIO) Write(chunk []byte) (bool, error) {
	if !io.valid.Load() {
		return false, invalidIO("write")
	}
	if !io.headSent {
		io.writeHead(0, true)
		io.chunked = true
	} else if !io.chunked {
		return false, api.ContractError("write", "fixed-length body in progress")
	}
	if !io.headOnly && len(chunk) > 0 {
		io.sess.stream.Write(protocol.AppendChunk(nil, chunk), false)
	}
	return io.sess.stream.Buffered() == 0, nil
}

// SendContent writes as much of data as the socket accepts now, as part of
// a body of totalSize bytes, or EntireBody when data is the whole rest
// (without a send handler a zero totalSize means the same). It
// returns the accepted byte count and whether the full body went out; that
// completes the transaction. With a send handler the write is optional and
// may be short; without one the rest is queued.
func (io *HTTPIO) SendContent(data []byte, totalSize int64) (int, bool, error) {
	if !io.valid.Load() {
		return 0, false, invalidIO("send_content")
	}
	if io.chunked {
		return 0, false, api.ContractError("send_content", "chunked body in progress")
	}
	if !io.headSent {
		total := totalSize
		if total == EntireBody || (total == 0 && io.onSend == nil) {
			total = int64(len(data))
		}
		if total < 0 || int64(len(data)) > total {
			return 0, false, api.ContractError("send_content", "total size %d does not cover %d bytes", totalSize, len(data))
		}
		io.total = total
		io.writeHead(total, false)
	}
	if rem := io.total - io.offset; int64(len(data)) > rem {
		data = data[:rem]
	}
	n := len(data)
	switch {
	case io.headOnly:
		io.offset = io.total
	case io.onSend != nil:
		n = io.sess.stream.Write(data, true)
		io.offset += int64(n)
	default:
		io.sess.stream.Write(data, false)
		io.offset += int64(n)
	}
	done := io.offset >= io.total
	if done {
		io.complete(control.OutcomeRejected)
	}
	return n, done, nil
}

// End sends the final bytes and finishes the transaction. It is always a
// legal terminal call: a short fixed-length body makes the connection close
// after the response.
func (io *HTTPIO) End(data []byte) error {
	if !io.valid.Load() {
		return invalidIO("end")
	}
	if io.up != nil {
		// Rejected upgrade: the client will not reuse this connection.
		io.sess.closeAfter = true
	}
	switch {
	case io.chunked:
		if !io.headOnly {
			b := protocol.AppendChunk(nil, data)
			io.sess.stream.Write(append(b, protocol.LastChunk...), false)
		}
	case !io.headSent:
		io.writeHead(int64(len(data)), false)
		if !io.headOnly && len(data) > 0 {
			io.sess.stream.Write(data, false)
		}
	default:
		if rem := io.total - io.offset; int64(len(data)) > rem {
			data = data[:rem]
		}
		if !io.headOnly {
			io.sess.stream.Write(data, false)
			io.offset += int64(len(data))
			if io.offset < io.total {
				io.sess.closeAfter = true
			}
		}
	}
	io.complete(control.OutcomeRejected)
	return nil
}

// EndHandshake accepts a deferred upgrade with the Conn returned from
// HandleHandshake.
func (io *HTTPIO) EndHandshake() error {
	if !io.valid.Load() {
		return invalidIO("end_handshake")
	}
	if io.up == nil {
		return api.ContractError("end_handshake", "not an upgrade request")
	}
	if io.headSent {
		return api.ContractError("end_handshake", "response head already sent")
	}
	if io.dispatching {
		io.up.requested = true
		return nil
	}
	return io.sess.upgrade(io, io.up.conn)
}

// complete invalidates the handle and lets the session move on.
func (io *HTTPIO) complete(outcome string) {
	if !io.valid.CompareAndSwap(true, false) {
		return
	}
	io.state = ioCompleted
	if io.up != nil {
		io.srv.metrics.Handshake(outcome)
		io.up = nil
	}
	io.endSpan(io.status, nil)
	io.sess.txDone()
}

// aborted is called when the peer left or the server gave up on the
// transaction.
func (io *HTTPIO) aborted(reason error, notify bool) {
	if !io.valid.CompareAndSwap(true, false) {
		return
	}
	io.state = ioCompleted
	if io.up != nil {
		io.srv.metrics.Handshake(control.OutcomeAborted)
		io.up = nil
	}
	io.endSpan(0, reason)
	if notify && io.onAbort != nil {
		io.onAbort()
	}
}

// receive is fed by the body decoder.
func (io *HTTPIO) receive(chunk []byte, last bool) {
	if !io.valid.Load() {
		return
	}
	if io.onReceive == nil || io.recvQueued {
		io.recvBuf = append(io.recvBuf, chunk...)
		io.recvLast = io.recvLast || last
		return
	}
	io.onReceive(chunk, last)
}

func (io *HTTPIO) flushReceive() {
	io.recvQueued = false
	if !io.valid.Load() {
		return
	}
	b, last := io.recvBuf, io.recvLast
	io.recvBuf, io.recvLast = nil, false
	io.onReceive(b, last)
}

// writable relays socket progress to the send handler.
func (io *HTTPIO) writable() {
	if io.valid.Load() && io.onSend != nil && io.headSent && !io.chunked {
		io.onSend(io.offset)
	}
}
