// File: internal/transport/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS over a loop-owned Stream. crypto/tls only speaks blocking net.Conn, so
// every connection gets one helper goroutine that runs the handshake and the
// decrypting Read against an in-memory pipe; plaintext is posted back to the
// loop. Encryption happens inline on the loop thread so backpressure is
// accounted in ciphertext bytes of the raw stream.

package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// TLSStream is a Stream that terminates TLS on top of a raw Stream.
type TLSStream struct {
	raw  Stream
	loop Deferrer
	conn *tls.Conn
	pipe *cipherPipe
	cb   Callbacks

	ready  bool // handshake finished, loop thread only
	closed bool
	err    error

	mu      sync.Mutex
	pending []byte // ciphertext produced by conn, not yet handed to raw
}

var _ Stream = (*TLSStream)(nil)

// NewTLSStream takes over raw's callbacks and starts the server handshake.
func NewTLSStream(raw Stream, loop Deferrer, cfg *tls.Config) *TLSStream {
	s := &TLSStream{raw: raw, loop: loop}
	s.pipe = newCipherPipe(s, raw.LocalIP(), raw.RemoteIP())
	s.conn = tls.Server(s.pipe, cfg)
	raw.SetCallbacks(Callbacks{
		OnData:     s.pipe.feed,
		OnWritable: s.onRawWritable,
		OnClose:    s.onRawClose,
	})
	go s.readLoop()
	return s
}

func (s *TLSStream) SetCallbacks(cb Callbacks) { s.cb = cb }
func (s *TLSStream) RemoteIP() string         { return s.raw.RemoteIP() }
func (s *TLSStream) LocalIP() string          { return s.raw.LocalIP() }
func (s *TLSStream) IsClosed() bool           { return s.closed || s.raw.IsClosed() }

// ConnectionState exposes the negotiated TLS parameters once the handshake
// finished.
func (s *TLSStream) ConnectionState() (tls.ConnectionState, bool) {
	if !s.ready {
		return tls.ConnectionState{}, false
	}
	return s.conn.ConnectionState(), true
}

func (s *TLSStream) Buffered() int {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	return n + s.raw.Buffered()
}

// Write encrypts p whole. An optional write is refused while the raw stream
// holds backpressure, since a record cannot be split after encryption.
func (s *TLSStream) Write(p []byte, optional bool) int {
	if s.IsClosed() || !s.ready {
		return 0
	}
	if optional && s.raw.Buffered() > 0 {
		return 0
	}
	if _, err := s.conn.Write(p); err != nil {
		s.err = err
		s.closed = true
		s.pipe.close()
		s.raw.Abort()
		return 0
	}
	s.flushPending()
	return len(p)
}

// Close sends close_notify, flushes and closes the raw stream.
func (s *TLSStream) Close() {
	if s.IsClosed() {
		return
	}
	s.closed = true
	if s.ready {
		_ = s.conn.CloseWrite()
		s.flushPending()
	}
	s.pipe.close()
	s.raw.Close()
}

func (s *TLSStream) Abort() {
	if s.raw.IsClosed() && s.closed {
		return
	}
	s.closed = true
	s.pipe.close()
	s.raw.Abort()
}

func (s *TLSStream) readLoop() {
	if err := s.conn.Handshake(); err != nil {
		s.loop.Defer(func() { s.fail(err) })
		return
	}
	s.loop.Defer(func() { s.ready = true })
	buf := make([]byte, 16<<10)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			b := append([]byte(nil), buf[:n]...)
			s.loop.Defer(func() { s.deliver(b) })
		}
		if err != nil {
			s.loop.Defer(func() { s.fail(err) })
			return
		}
	}
}

func (s *TLSStream) deliver(b []byte) {
	if !s.closed && s.cb.OnData != nil {
		s.cb.OnData(b)
	}
}

func (s *TLSStream) fail(err error) {
	if s.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		// close_notify from the peer
		s.Close()
		return
	}
	s.err = err
	s.Abort()
}

// flushPending moves produced ciphertext into the raw stream. Loop thread only.
func (s *TLSStream) flushPending() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(p) > 0 {
		s.raw.Write(p, false)
	}
}

func (s *TLSStream) onRawWritable(flushed int) {
	if !s.closed && s.cb.OnWritable != nil {
		s.cb.OnWritable(flushed)
	}
}

func (s *TLSStream) onRawClose(err error) {
	s.closed = true
	s.pipe.close()
	if s.err != nil && (err == nil || errors.Is(err, ErrAborted)) {
		err = s.err
	}
	if s.cb.OnClose != nil {
		s.cb.OnClose(err)
	}
}

// cipherPipe is the net.Conn handed to crypto/tls. Reads block the helper
// goroutine until ciphertext arrives from the loop; writes append to the
// owning stream's pending buffer.
type cipherPipe struct {
	owner  *TLSStream
	local  net.Addr
	remote net.Addr

	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	closed bool
}

func newCipherPipe(owner *TLSStream, local, remote string) *cipherPipe {
	p := &cipherPipe{
		owner:  owner,
		local:  &net.TCPAddr{IP: net.ParseIP(local)},
		remote: &net.TCPAddr{IP: net.ParseIP(remote)},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// feed is called on the loop thread with bytes that are only valid during
// the call.
func (p *cipherPipe) feed(b []byte) {
	p.mu.Lock()
	if !p.closed {
		p.in = append(p.in, b...)
		p.cond.Signal()
	}
	p.mu.Unlock()
}

func (p *cipherPipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *cipherPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.in) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	if len(p.in) == 0 {
		p.in = nil
	}
	return n, nil
}

func (p *cipherPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	o := p.owner
	o.mu.Lock()
	wasEmpty := len(o.pending) == 0
	o.pending = append(o.pending, b...)
	o.mu.Unlock()
	if wasEmpty {
		// Handshake records come from the helper goroutine; loop-thread
		// writers flush right after and leave this pass empty.
		o.loop.Defer(o.flushPending)
	}
	return len(b), nil
}

func (p *cipherPipe) Close() error {
	p.close()
	return nil
}

func (p *cipherPipe) LocalAddr() net.Addr              { return p.local }
func (p *cipherPipe) RemoteAddr() net.Addr             { return p.remote }
func (p *cipherPipe) SetDeadline(time.Time) error      { return nil }
func (p *cipherPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *cipherPipe) SetWriteDeadline(time.Time) error { return nil }
