// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Close frame payload helpers (RFC 6455 section 5.5.1 and 7.4).

package protocol

import (
	"encoding/binary"
	"unicode/utf8"
)

// NoStatus is reported for a close frame without a status code.
const NoStatus = 1005

// IsValidCloseCode reports whether code may appear on the wire.
func IsValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// ParseClosePayload extracts the status code and reason of a close frame.
// An empty payload yields NoStatus.
func ParseClosePayload(p []byte) (code int, reason string, err error) {
	switch {
	case len(p) == 0:
		return NoStatus, "", nil
	case len(p) == 1:
		return 0, "", ErrInvalidCloseFrame
	}
	code = int(binary.BigEndian.Uint16(p))
	if !IsValidCloseCode(code) || !utf8.Valid(p[2:]) {
		return 0, "", ErrInvalidCloseFrame
	}
	return code, string(p[2:]), nil
}

// AppendClosePayload appends the close frame body for code and reason.
// Codes that must not be sent produce an empty body. The reason is cut so
// the body fits in a control frame.
func AppendClosePayload(dst []byte, code int, reason string) []byte {
	if !IsValidCloseCode(code) {
		return dst
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
		for len(reason) > 0 && !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	dst = append(dst, byte(code>>8), byte(code))
	return append(dst, reason...)
}
