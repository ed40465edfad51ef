// File: server/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"net/url"
)

// Request is a read-only view of the request head handed to dispatch.
type Request struct {
	raw      *http.Request
	query    url.Values
	remoteIP string
	localIP  string
}

func newRequest(raw *http.Request, remoteIP, localIP string) *Request {
	return &Request{raw: raw, remoteIP: remoteIP, localIP: localIP}
}

func (r *Request) Method() string { return r.raw.Method }

// Path returns the decoded path without the query.
func (r *Request) Path() string { return r.raw.URL.Path }

// Query returns the raw query string without '?'.
func (r *Request) Query() string { return r.raw.URL.RawQuery }

// QueryValue returns the first value of a query parameter.
func (r *Request) QueryValue(key string) string {
	if r.query == nil {
		r.query = r.raw.URL.Query()
	}
	return r.query.Get(key)
}

// URI returns the request target as sent by the client.
func (r *Request) URI() string { return r.raw.RequestURI }

func (r *Request) Proto() string { return r.raw.Proto }

func (r *Request) Host() string { return r.raw.Host }

// Header returns the first value of a header, case-insensitive.
func (r *Request) Header(name string) string { return r.raw.Header.Get(name) }

// Headers returns all headers. Callers must not modify the map.
func (r *Request) Headers() http.Header { return r.raw.Header }

func (r *Request) RemoteIPAddress() string { return r.remoteIP }

func (r *Request) LocalIPAddress() string { return r.localIP }
