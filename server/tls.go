//go:build !notls
// +build !notls

// File: server/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS material loading. Build with -tags notls to leave TLS out.

package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/momentics/evws/api"
)

const tlsSupported = true

func loadTLS(o *Options, log *slog.Logger) (*tls.Config, error) {
	certPEM, err := os.ReadFile(*o.certFile)
	if err != nil {
		return nil, api.OptionError("ssl_cert_file", "read: %v", err)
	}
	keyPEM, err := os.ReadFile(*o.keyFile)
	if err != nil {
		return nil, api.OptionError("ssl_key_file", "read: %v", err)
	}
	if o.passphrase != nil {
		if keyPEM, err = decryptKey(keyPEM, []byte(*o.passphrase)); err != nil {
			return nil, api.OptionError("ssl_passphrase", "%v", err)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, api.OptionError("ssl_cert_file", "load key pair: %v", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if o.caFile != nil {
		caPEM, err := os.ReadFile(*o.caFile)
		if err != nil {
			return nil, api.OptionError("ssl_ca_file", "read: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, api.OptionError("ssl_ca_file", "no certificates found")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if o.dhParamsFile != nil {
		// crypto/tls negotiates ECDHE only; finite field parameters have no use.
		log.Warn("ignoring DH parameters file", "file", *o.dhParamsFile)
	}
	return cfg, nil
}

// decryptKey decrypts a legacy encrypted PEM private key. Unencrypted keys
// pass through unchanged.
func decryptKey(keyPEM, passphrase []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("key file holds no PEM block")
	}
	//nolint:staticcheck // legacy RFC 1423 encryption is what passphrase-protected PEM keys use
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
