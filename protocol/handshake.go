// File: protocol/handshake.go
// Package protocol implements HTTP→WebSocket handshake validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CheckUpgrade validates the request headers for a WebSocket upgrade and
// ComputeAcceptKey derives the Sec-WebSocket-Accept value per RFC 6455.

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketProto  = "Sec-WebSocket-Protocol"
	HeaderSecWebSocketExt    = "Sec-WebSocket-Extensions"
	RequiredWebSocketVersion = "13"
)

var (
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = errors.New("unsupported WebSocket version; only '13' is supported")
	ErrBadUpgradeMethod      = errors.New("WebSocket upgrade requires GET")
)

// IsUpgradeRequest reports whether the headers ask for a WebSocket upgrade.
// It does not validate the rest of the handshake.
func IsUpgradeRequest(h http.Header) bool {
	return headerContainsToken(h, HeaderConnection, "upgrade") &&
		headerContainsToken(h, HeaderUpgrade, "websocket")
}

// CheckUpgrade validates method, upgrade tokens, version and key.
func CheckUpgrade(method string, h http.Header) error {
	if method != http.MethodGet {
		return ErrBadUpgradeMethod
	}
	if !IsUpgradeRequest(h) {
		return ErrInvalidUpgradeHeaders
	}
	if h.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return ErrBadWebSocketVersion
	}
	key := h.Get(HeaderSecWebSocketKey)
	if key == "" {
		return ErrMissingWebSocketKey
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return ErrMissingWebSocketKey
	}
	return nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
// This implements the algorithm specified in RFC6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

// HeaderContainsToken is the exported form of the token search used for
// Connection: close / keep-alive decisions.
func HeaderContainsToken(h http.Header, name, token string) bool {
	return headerContainsToken(h, name, token)
}
