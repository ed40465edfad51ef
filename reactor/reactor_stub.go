//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/evws/api"

func newPoller() (poller, error) {
	return nil, api.ErrNotSupported
}
