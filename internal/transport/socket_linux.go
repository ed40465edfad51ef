//go:build linux
// +build linux

// File: internal/transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking TCP stream registered with a reactor.Loop.

package transport

import (
	"net"
	"time"

	"github.com/momentics/evws/reactor"
	"golang.org/x/sys/unix"
)

// LingerTimeout bounds how long a gracefully closed socket waits for the
// peer to finish its side before the descriptor is released.
const LingerTimeout = 4 * time.Second

type sockState uint8

const (
	sockOpen sockState = iota
	sockFlushing
	sockLinger
	sockClosed
)

// Socket is a plain TCP Stream.
type Socket struct {
	loop   *reactor.Loop
	fd     int
	rbuf   []byte // shared per listener, loop thread only
	out    []byte
	events reactor.Events
	cb     Callbacks
	state  sockState
	// wantWrite is set after a short optional write so the writer learns
	// when the kernel accepts bytes again.
	wantWrite bool
	linger    *reactor.Timer

	remoteIP string
	localIP  string
}

var _ Stream = (*Socket)(nil)

// newSocket registers an accepted descriptor with l. Addresses are resolved
// here once: querying a torn down socket later is not possible.
func newSocket(l *reactor.Loop, fd int, peer unix.Sockaddr, rbuf []byte) (*Socket, error) {
	s := &Socket{
		loop:     l,
		fd:       fd,
		rbuf:     rbuf,
		events:   reactor.EventRead,
		remoteIP: sockaddrIP(peer),
	}
	if local, err := unix.Getsockname(fd); err == nil {
		s.localIP = sockaddrIP(local)
	}
	if err := l.Register(fd, s.events, s.onEvent); err != nil {
		return nil, err
	}
	return s, nil
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	default:
		return 0
	}
}

func (s *Socket) SetCallbacks(cb Callbacks) { s.cb = cb }
func (s *Socket) RemoteIP() string         { return s.remoteIP }
func (s *Socket) LocalIP() string          { return s.localIP }
func (s *Socket) Buffered() int            { return len(s.out) }
func (s *Socket) IsClosed() bool           { return s.state != sockOpen }

func (s *Socket) Write(p []byte, optional bool) int {
	if s.state != sockOpen {
		return 0
	}
	if len(s.out) > 0 {
		if optional {
			return 0
		}
		s.out = append(s.out, p...)
		return len(p)
	}
	n := 0
	for n < len(p) {
		m, err := unix.Write(s.fd, p[n:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.fail(err)
			return len(p)
		}
		n += m
	}
	if n == len(p) {
		return n
	}
	if optional {
		s.wantWrite = true
		s.arm(true)
		return n
	}
	s.out = append(s.out, p[n:]...)
	s.arm(true)
	return len(p)
}

// Close flushes pending output, half-closes and waits for the peer.
func (s *Socket) Close() {
	switch s.state {
	case sockOpen:
		if len(s.out) > 0 {
			s.state = sockFlushing
			return
		}
		s.shutdown()
	}
}

// Abort resets the connection with SO_LINGER 0.
func (s *Socket) Abort() {
	if s.state == sockClosed {
		return
	}
	_ = unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	s.release(ErrAborted)
}

func (s *Socket) shutdown() {
	s.state = sockLinger
	s.out = nil
	s.arm(false)
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		s.release(nil)
		return
	}
	s.linger = s.loop.AfterFunc(LingerTimeout, func() { s.release(ErrLingerTimeout) })
}

// fail is used from Write, which runs inside application callbacks, so the
// release and its OnClose are posted instead of run inline.
func (s *Socket) fail(err error) {
	s.state = sockLinger
	s.out = nil
	if !s.loop.Defer(func() { s.release(err) }) {
		s.release(err)
	}
}

func (s *Socket) release(err error) {
	if s.state == sockClosed {
		return
	}
	s.state = sockClosed
	s.out = nil
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
	_ = s.loop.Unregister(s.fd)
	_ = unix.Close(s.fd)
	if s.cb.OnClose != nil {
		s.cb.OnClose(err)
	}
}

func (s *Socket) arm(write bool) {
	ev := reactor.EventRead
	if write {
		ev |= reactor.EventWrite
	}
	if ev == s.events {
		return
	}
	s.events = ev
	_ = s.loop.Modify(s.fd, ev)
}

func (s *Socket) onEvent(_ int, ev reactor.Events) {
	if ev.Has(reactor.EventWrite) {
		s.flush()
	}
	if s.state == sockClosed {
		return
	}
	if ev&(reactor.EventRead|reactor.EventError) != 0 {
		s.read()
	}
}

func (s *Socket) read() {
	n, err := unix.Read(s.fd, s.rbuf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		s.release(err)
		return
	case n == 0:
		s.release(nil)
		return
	}
	if s.state != sockOpen {
		return // closing: inbound bytes are discarded
	}
	if s.cb.OnData != nil {
		s.cb.OnData(s.rbuf[:n])
	}
}

func (s *Socket) flush() {
	flushed := 0
	for len(s.out) > 0 {
		m, err := unix.Write(s.fd, s.out)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.release(err)
			return
		}
		flushed += m
		s.out = s.out[m:]
	}
	if len(s.out) == 0 {
		s.out = nil
		s.arm(false)
		if s.state == sockFlushing {
			s.shutdown()
			return
		}
	}
	notify := flushed > 0 || s.wantWrite
	s.wantWrite = false
	if notify && s.state == sockOpen && s.cb.OnWritable != nil {
		s.cb.OnWritable(flushed)
	}
}
