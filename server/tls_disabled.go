//go:build notls
// +build notls

// File: server/tls_disabled.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"log/slog"

	"github.com/momentics/evws/api"
)

const tlsSupported = false

func loadTLS(*Options, *slog.Logger) (*tls.Config, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "ssl_enabled", api.ErrTLSUnsupported, "built without TLS support")
}
