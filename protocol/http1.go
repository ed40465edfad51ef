// File: protocol/http1.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental HTTP/1.1 request decoding and response head encoding.
// Header tokenization is delegated to net/http; this file only frames the
// stream: it finds complete heads and slices request bodies.

package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// MaxHeadSize bounds the request line plus headers.
const MaxHeadSize = 16 << 10

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

var (
	ErrHeadTooLarge = errors.New("http: request head too large")
	ErrBadRequest   = errors.New("http: malformed request")
	ErrBadChunk     = errors.New("http: malformed chunked body")
)

var headEnd = []byte("\r\n\r\n")

// ParseRequestHead parses one request head from the start of buf. It returns
// the request and the number of bytes consumed. (nil, 0, nil) means buf does
// not contain a complete head yet. Empty lines before the request line are
// skipped as RFC 9112 section 2.2 allows.
func ParseRequestHead(buf []byte) (*http.Request, int, error) {
	skip := 0
	for len(buf)-skip >= 2 && buf[skip] == '\r' && buf[skip+1] == '\n' {
		skip += 2
	}
	idx := bytes.Index(buf[skip:], headEnd)
	if idx < 0 {
		if len(buf)-skip > MaxHeadSize {
			return nil, 0, ErrHeadTooLarge
		}
		return nil, 0, nil
	}
	n := idx + len(headEnd)
	if n > MaxHeadSize {
		return nil, 0, ErrHeadTooLarge
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[skip : skip+n])))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return req, skip + n, nil
}

// WantsClose reports whether the connection must close after responding.
func WantsClose(req *http.Request) bool {
	if req.Close {
		return true
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return !HeaderContainsToken(req.Header, "Connection", "keep-alive")
	}
	return false
}

type bodyState uint8

const (
	bodyFixed bodyState = iota
	chunkSize
	chunkData
	chunkDataEnd
	chunkTrailer
	bodyDone
)

// BodyDecoder slices a request body out of the byte stream. It handles
// Content-Length and chunked transfer coding.
type BodyDecoder struct {
	state     bodyState
	remaining int64
	line      []byte
}

// NewBodyDecoder returns a decoder for the body framing declared by req.
func NewBodyDecoder(req *http.Request) *BodyDecoder {
	d := &BodyDecoder{}
	switch {
	case len(req.TransferEncoding) > 0 && req.TransferEncoding[0] == "chunked":
		d.state = chunkSize
	case req.ContentLength > 0:
		d.state = bodyFixed
		d.remaining = req.ContentLength
	default:
		d.state = bodyDone
	}
	return d
}

// Done reports whether the whole body was consumed.
func (d *BodyDecoder) Done() bool {
	return d.state == bodyDone
}

// Feed consumes body bytes from b and calls emit for every body piece. The
// last call has last set. Feed returns how many bytes of b it consumed; any
// remainder belongs to the next request.
func (d *BodyDecoder) Feed(b []byte, emit func(chunk []byte, last bool)) (int, error) {
	consumed := 0
	for consumed < len(b) && d.state != bodyDone {
		rest := b[consumed:]
		switch d.state {
		case bodyFixed:
			n := int64(len(rest))
			if n > d.remaining {
				n = d.remaining
			}
			d.remaining -= n
			consumed += int(n)
			if d.remaining == 0 {
				d.state = bodyDone
			}
			emit(rest[:n], d.state == bodyDone)

		case chunkSize, chunkTrailer, chunkDataEnd:
			line, n, ok, err := d.readLine(rest)
			consumed += n
			if err != nil {
				return consumed, err
			}
			if !ok {
				return consumed, nil
			}
			if err := d.onLine(line, emit); err != nil {
				return consumed, err
			}

		case chunkData:
			n := int64(len(rest))
			if n > d.remaining {
				n = d.remaining
			}
			d.remaining -= n
			consumed += int(n)
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}
			if n > 0 {
				emit(rest[:n], false)
			}
		}
	}
	return consumed, nil
}

// readLine accumulates one CRLF terminated line across calls.
func (d *BodyDecoder) readLine(b []byte) (line []byte, n int, ok bool, err error) {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		d.line = append(d.line, b...)
		if len(d.line) > maxChunkLine {
			return nil, len(b), false, ErrBadChunk
		}
		return nil, len(b), false, nil
	}
	d.line = append(d.line, b[:idx+1]...)
	if len(d.line) > maxChunkLine {
		return nil, idx + 1, false, ErrBadChunk
	}
	line = bytes.TrimSuffix(bytes.TrimSuffix(d.line, []byte("\n")), []byte("\r"))
	d.line = d.line[:0]
	return line, idx + 1, true, nil
}

func (d *BodyDecoder) onLine(line []byte, emit func([]byte, bool)) error {
	switch d.state {
	case chunkDataEnd:
		if len(line) != 0 {
			return ErrBadChunk
		}
		d.state = chunkSize
	case chunkSize:
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if err != nil || size < 0 {
			return ErrBadChunk
		}
		if size == 0 {
			d.state = chunkTrailer
			return nil
		}
		d.remaining = size
		d.state = chunkData
	case chunkTrailer:
		if len(line) == 0 {
			d.state = bodyDone
			emit(nil, true)
		}
	}
	return nil
}

// AppendStatusLine appends "HTTP/1.1 <code> <text>\r\n".
func AppendStatusLine(dst []byte, status int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}
	dst = append(dst, text...)
	return append(dst, "\r\n"...)
}

// AppendHeader appends one "Name: value\r\n" line.
func AppendHeader(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

// AppendChunk appends one chunk in chunked transfer coding. An empty chunk
// is skipped since it would terminate the body.
func AppendChunk(dst []byte, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, data...)
	return append(dst, "\r\n"...)
}

// LastChunk terminates a chunked body without trailers.
const LastChunk = "0\r\n\r\n"
