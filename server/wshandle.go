// File: server/wshandle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// wsHandle binds one upgraded stream to one Conn: it parses client frames,
// reassembles fragmented messages, enforces the payload limit, answers
// pings and runs the closing handshake. Loop thread only, except the atomic
// mirrors read by Connection.

package server

import (
	"container/list"
	"sync/atomic"
	"unicode/utf8"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"github.com/momentics/evws/internal/transport"
	"github.com/momentics/evws/protocol"
)

type wsHandle struct {
	srv    *Server
	stream transport.Stream
	conn   Conn
	elem   *list.Element // in srv.conns
	track  *list.Element // in srv.sockets

	closed   atomic.Bool
	buffered atomic.Int64

	in    []byte
	msg   *[]byte // reassembly buffer of a fragmented message
	msgOp byte    // opcode of the message in progress, 0 when none
	wbuf  []byte
	idle  int
}

func newWSHandle(srv *Server, stream transport.Stream, conn Conn, track *list.Element) *wsHandle {
	h := &wsHandle{srv: srv, stream: stream, conn: conn, track: track}
	track.Value = h
	stream.SetCallbacks(transport.Callbacks{
		OnData:     h.onData,
		OnWritable: h.onWritable,
		OnClose:    h.onStreamClose,
	})
	return h
}

// open attaches the Conn, registers it and replays bytes that arrived
// together with the upgrade request.
func (h *wsHandle) open(rest []byte) {
	h.conn.base().attach(h)
	h.srv.register(h)
	h.srv.metrics.ConnOpened()
	h.srv.log.Debug("websocket open", "remote", h.stream.RemoteIP())
	h.conn.HandleOpen()
	if len(rest) > 0 && !h.closed.Load() {
		h.onData(rest)
	}
}

func (h *wsHandle) syncBuffered() {
	h.buffered.Store(int64(h.stream.Buffered()))
}

func (h *wsHandle) send(payload []byte, format api.Format) (bool, error) {
	var op byte
	switch format {
	case api.FormatText:
		op = protocol.OpcodeText
	case api.FormatBinary:
		op = protocol.OpcodeBinary
	default:
		return false, api.ContractError("send", "unknown format %d", format)
	}
	if int64(h.stream.Buffered()) > int64(h.srv.limits.backpressure) {
		h.srv.metrics.Backpressure()
		return false, api.NewError(api.ErrCodeTransport, "send", api.ErrBackpressure,
			"%d bytes already queued", h.stream.Buffered())
	}
	h.wbuf = protocol.AppendFrame(h.wbuf[:0], op, payload, true)
	h.stream.Write(h.wbuf, false)
	if cap(h.wbuf) > 1<<20 {
		h.wbuf = nil
	}
	h.idle = 0
	h.syncBuffered()
	h.srv.metrics.MessageSent(format.String())
	if h.stream.Buffered() > 0 {
		h.srv.metrics.Backpressure()
		return false, nil
	}
	return true, nil
}

func (h *wsHandle) writeControl(op byte, payload []byte) {
	h.wbuf = protocol.AppendFrame(h.wbuf[:0], op, payload, true)
	h.stream.Write(h.wbuf, false)
	h.syncBuffered()
}

// close sends a close frame, shuts the stream down gracefully and reports
// HandleClose right away, without waiting for the peer's reply.
func (h *wsHandle) close(code int, reason string) {
	h.closeWith(code, reason, control.CloseKindClean)
}

func (h *wsHandle) closeWith(code int, reason, kind string) {
	if h.closed.Load() {
		return
	}
	h.writeControl(protocol.OpcodeClose, protocol.AppendClosePayload(nil, code, reason))
	h.stream.Close()
	if !protocol.IsValidCloseCode(code) {
		code = api.CloseNoStatus
	}
	h.finish(code, reason, kind)
}

// abort skips the closing handshake.
func (h *wsHandle) abort() {
	if h.closed.Load() {
		return
	}
	h.finish(api.CloseAbnormal, "", control.CloseKindAbnormal)
	h.stream.Abort()
}

// finish detaches the Conn and fires HandleClose exactly once.
func (h *wsHandle) finish(code int, reason, kind string) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.buffered.Store(0)
	h.releaseMessage()
	h.in = nil
	h.srv.unregister(h)
	h.conn.base().detach()
	h.srv.metrics.ConnClosed(kind)
	h.srv.log.Debug("websocket closed", "remote", h.stream.RemoteIP(), "code", code, "reason", reason)
	h.conn.HandleClose(code, reason)
}

func (h *wsHandle) releaseMessage() {
	if h.msg != nil {
		h.srv.buffers.Put(h.msg)
		h.msg = nil
	}
	h.msgOp = 0
}

func (h *wsHandle) protocolError(code int, err error) {
	h.srv.log.Debug("websocket protocol error", "remote", h.stream.RemoteIP(), "code", code, "err", err)
	h.closeWith(code, err.Error(), control.CloseKindProtocol)
}

func (h *wsHandle) onStreamClose(err error) {
	h.srv.untrack(h.track)
	if h.closed.Load() {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	h.finish(api.CloseAbnormal, reason, control.CloseKindAbnormal)
}

func (h *wsHandle) onWritable(int) {
	if h.closed.Load() {
		return
	}
	h.syncBuffered()
	h.conn.HandleDrain()
}

func (h *wsHandle) onData(b []byte) {
	if h.closed.Load() {
		return
	}
	h.idle = 0
	h.in = append(h.in, b...)
	off := h.parse()
	if h.closed.Load() {
		return
	}
	n := copy(h.in, h.in[off:])
	h.in = h.in[:n]
}

// parse handles every complete frame in h.in and returns the consumed size.
func (h *wsHandle) parse() int {
	off := 0
	for !h.closed.Load() {
		hdr, hl, err := protocol.DecodeHeader(h.in[off:])
		if err != nil {
			h.protocolError(api.CloseProtocolError, err)
			return off
		}
		if hl == 0 {
			return off
		}
		if !hdr.Masked {
			h.protocolError(api.CloseProtocolError, protocol.ErrUnmaskedFrame)
			return off
		}
		if !protocol.IsControl(hdr.Opcode) {
			total := hdr.Length
			if h.msg != nil {
				total += uint64(len(*h.msg))
			}
			if total > uint64(h.srv.limits.maxPayload) {
				h.closeWith(api.CloseMessageTooBig, "message too big", control.CloseKindProtocol)
				return off
			}
		}
		end := off + hl + int(hdr.Length)
		if len(h.in) < end {
			return off
		}
		payload := h.in[off+hl : end]
		protocol.MaskBytes(hdr.MaskKey, 0, payload)
		off = end
		h.frame(hdr, payload)
	}
	return off
}

func (h *wsHandle) frame(hdr protocol.Header, payload []byte) {
	switch hdr.Opcode {
	case protocol.OpcodeText, protocol.OpcodeBinary:
		if h.msgOp != 0 {
			h.protocolError(api.CloseProtocolError, protocol.ErrUnexpectedFrame)
			return
		}
		if hdr.Fin {
			h.deliver(hdr.Opcode, payload)
			return
		}
		h.msgOp = hdr.Opcode
		h.msg = h.srv.buffers.Get()
		*h.msg = append(*h.msg, payload...)

	case protocol.OpcodeContinuation:
		if h.msgOp == 0 {
			h.protocolError(api.CloseProtocolError, protocol.ErrUnexpectedFrame)
			return
		}
		*h.msg = append(*h.msg, payload...)
		if hdr.Fin {
			op, msg := h.msgOp, h.msg
			h.msg, h.msgOp = nil, 0
			h.deliver(op, *msg)
			h.srv.buffers.Put(msg)
		}

	case protocol.OpcodePing:
		h.writeControl(protocol.OpcodePong, payload)
		if p, ok := h.conn.(Pinger); ok {
			p.HandlePing(payload)
		}

	case protocol.OpcodePong:
		if p, ok := h.conn.(Ponger); ok {
			p.HandlePong(payload)
		}

	case protocol.OpcodeClose:
		code, reason, err := protocol.ParseClosePayload(payload)
		if err != nil {
			h.protocolError(api.CloseProtocolError, err)
			return
		}
		// Echo the status back, then report what the peer sent.
		h.writeControl(protocol.OpcodeClose, protocol.AppendClosePayload(nil, code, ""))
		h.stream.Close()
		h.finish(code, reason, control.CloseKindClean)
	}
}

func (h *wsHandle) deliver(op byte, payload []byte) {
	format := api.FormatBinary
	if op == protocol.OpcodeText {
		format = api.FormatText
		if !utf8.Valid(payload) {
			h.closeWith(api.CloseInvalidPayload, "invalid UTF-8", control.CloseKindProtocol)
			return
		}
	}
	h.srv.metrics.MessageReceived(format.String())
	h.conn.HandleMessage(payload, format)
}

func (h *wsHandle) tick() {
	if h.closed.Load() || h.srv.limits.idleTimeout == 0 {
		return
	}
	h.idle++
	if h.idle*idleGranularity >= int(h.srv.limits.idleTimeout) {
		h.closeWith(api.CloseGoingAway, "idle timeout", control.CloseKindIdle)
	}
}

func (h *wsHandle) shutdown() {
	h.closeWith(api.CloseGoingAway, "server shutdown", control.CloseKindClean)
}

func (h *wsHandle) kill() {
	h.abort()
	h.stream.Abort()
}
