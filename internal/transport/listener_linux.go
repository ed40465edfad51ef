//go:build linux
// +build linux

// File: internal/transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening socket driven by loop readiness.

package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/momentics/evws/reactor"
	"golang.org/x/sys/unix"
)

const readBufferSize = 64 << 10

// Listener accepts TCP connections on the loop thread.
type Listener struct {
	loop     *reactor.Loop
	fd       int
	port     int
	rbuf     []byte
	onAccept func(*Socket)
	onError  func(error)
	closed   bool
}

// Listen binds host:port and starts accepting on l. onAccept receives every
// new socket before any of its events are dispatched. Any failure releases
// the descriptor, so no half-bound socket is left behind.
func Listen(l *reactor.Loop, host string, port, backlog int, onAccept func(*Socket), onError func(error)) (*Listener, error) {
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	ln := &Listener{loop: l, fd: fd, rbuf: make([]byte, readBufferSize), onAccept: onAccept, onError: onError}
	if err := ln.setup(sa, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return ln, nil
}

func (ln *Listener) setup(sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(ln.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(ln.fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(ln.fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	local, err := unix.Getsockname(ln.fd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	ln.port = sockaddrPort(local)
	return ln.loop.Register(ln.fd, reactor.EventRead, ln.onEvent)
}

func resolveSockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", host, err)
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

// Port returns the bound port.
func (ln *Listener) Port() int { return ln.port }

// Close stops accepting. Established sockets are not affected.
func (ln *Listener) Close() error {
	if ln.closed {
		return nil
	}
	ln.closed = true
	_ = ln.loop.Unregister(ln.fd)
	return unix.Close(ln.fd)
}

func (ln *Listener) onEvent(_ int, _ reactor.Events) {
	for !ln.closed {
		nfd, peer, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			if ln.onError != nil {
				ln.onError(fmt.Errorf("accept: %w", err))
			}
			return
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		s, err := newSocket(ln.loop, nfd, peer, ln.rbuf)
		if err != nil {
			_ = unix.Close(nfd)
			if ln.onError != nil {
				ln.onError(err)
			}
			continue
		}
		if ln.onAccept != nil {
			ln.onAccept(s)
		} else {
			s.Abort()
		}
	}
}
