// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame header decoding and server frame encoding.
//
// The decoder is incremental: it never blocks and never copies payloads,
// it only tells the caller how long the header is and how long the payload
// will be, so the caller can enforce size limits before buffering anything.

package protocol

import (
	"encoding/binary"
	"errors"
)

// Frame decoding errors. All of them are protocol errors (close 1002).
var (
	ErrReservedBits      = errors.New("protocol: reserved bits set")
	ErrBadOpcode         = errors.New("protocol: unknown opcode")
	ErrBadControlFrame   = errors.New("protocol: fragmented or oversized control frame")
	ErrBadPayloadLength  = errors.New("protocol: invalid payload length")
	ErrUnmaskedFrame     = errors.New("protocol: client frame is not masked")
	ErrUnexpectedFrame   = errors.New("protocol: unexpected continuation or data frame")
	ErrInvalidCloseFrame = errors.New("protocol: invalid close frame payload")
)

// Header is a decoded WebSocket frame header.
type Header struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	Length  uint64
	MaskKey [4]byte
}

// DecodeHeader parses a frame header from the start of raw. It returns the
// header and the number of header bytes. A zero length with a nil error
// means raw does not hold a complete header yet.
func DecodeHeader(raw []byte) (Header, int, error) {
	var h Header
	if len(raw) < 2 {
		return h, 0, nil // Incomplete
	}
	if raw[0]&RsvBits != 0 {
		return h, 0, ErrReservedBits
	}
	h.Fin = raw[0]&FinBit != 0
	h.Opcode = raw[0] & 0x0F
	switch h.Opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return h, 0, ErrBadOpcode
	}
	h.Masked = raw[1]&MaskBit != 0
	length := uint64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return h, 0, nil // Incomplete
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return h, 0, nil // Incomplete
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		if length>>63 != 0 {
			return h, 0, ErrBadPayloadLength
		}
		offset += 8
	}
	if IsControl(h.Opcode) && (!h.Fin || length > MaxControlPayloadLen) {
		return h, 0, ErrBadControlFrame
	}
	h.Length = length

	if h.Masked {
		if len(raw) < offset+4 {
			return h, 0, nil // Incomplete
		}
		copy(h.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}
	return h, offset, nil
}

// MaskBytes XORs b with key starting at key position pos and returns the
// position to continue from, so a payload can be unmasked in pieces.
func MaskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}

// HeaderLen returns the encoded header size for an unmasked payload of n bytes.
func HeaderLen(n int) int {
	switch {
	case n <= 125:
		return 2
	case n <= 0xFFFF:
		return 4
	default:
		return 10
	}
}

// AppendFrame appends one unmasked frame to dst and returns the extended slice.
func AppendFrame(dst []byte, opcode byte, payload []byte, fin bool) []byte {
	return append(appendHeader(dst, opcode, len(payload), fin), payload...)
}

func appendHeader(dst []byte, opcode byte, n int, fin bool) []byte {
	b0 := opcode & 0x0F
	if fin {
		b0 |= FinBit
	}
	switch {
	case n <= 125:
		dst = append(dst, b0, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, 126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
	default:
		dst = append(dst, b0, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(n))
	}
	return dst
}

// AppendMaskedFrame appends one masked frame, the form clients must send.
func AppendMaskedFrame(dst []byte, opcode byte, payload []byte, fin bool, key [4]byte) []byte {
	start := len(dst)
	dst = appendHeader(dst, opcode, len(payload), fin)
	dst[start+1] |= MaskBit
	dst = append(dst, key[:]...)
	body := len(dst)
	dst = append(dst, payload...)
	MaskBytes(key, 0, dst[body:])
	return dst
}
