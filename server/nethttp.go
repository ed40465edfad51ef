// File: server/nethttp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bridge from an HTTP transaction to a net/http handler, so routers and
// stock handlers (chi, promhttp) can serve the plain HTTP side.

package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
)

// ServeHTTP defers io, collects the request body and then runs h on the
// loop thread against a buffered ResponseWriter. Call it from
// HandleRequest. The request context is cancelled if the peer leaves.
func ServeHTTP(h http.Handler, req *Request, io *HTTPIO) error {
	ctx, cancel := context.WithCancel(io.Context())
	if err := io.SetAbortHandler(cancel); err != nil {
		cancel()
		return err
	}
	var body []byte
	return io.SetReceiveHandler(func(chunk []byte, last bool) {
		body = append(body, chunk...)
		if !last {
			return
		}
		defer cancel()
		r, err := http.NewRequestWithContext(ctx, req.Method(), req.URI(), bytes.NewReader(body))
		if err != nil {
			_ = io.WriteStatus(http.StatusBadRequest)
			_ = io.End(nil)
			return
		}
		r.Header = req.Headers().Clone()
		r.Host = req.Host()
		r.RequestURI = req.URI()
		r.RemoteAddr = net.JoinHostPort(req.RemoteIPAddress(), "0")
		r.ContentLength = int64(len(body))
		w := &responseWriter{header: make(http.Header)}
		h.ServeHTTP(w, r)
		w.finish(io)
	})
}

type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *responseWriter) finish(io *HTTPIO) {
	if !io.IsValid() {
		return
	}
	if w.status != 0 {
		_ = io.WriteStatus(w.status)
	}
	names := make([]string, 0, len(w.header))
	for k := range w.header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding":
			continue
		}
		for _, v := range w.header[k] {
			_ = io.WriteHeader(k, v)
		}
	}
	_ = io.End(w.body.Bytes())
}
