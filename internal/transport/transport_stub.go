//go:build !linux
// +build !linux

// File: internal/transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The socket layer is epoll based; other platforms get a stub.

package transport

import (
	"github.com/momentics/evws/api"
	"github.com/momentics/evws/reactor"
)

// Socket is unavailable on this platform.
type Socket struct{ Stream }

// Listener is unavailable on this platform.
type Listener struct{}

// Listen always fails with api.ErrNotSupported.
func Listen(_ *reactor.Loop, _ string, _, _ int, _ func(*Socket), _ func(error)) (*Listener, error) {
	return nil, api.ErrNotSupported
}

func (ln *Listener) Port() int    { return 0 }
func (ln *Listener) Close() error { return nil }
