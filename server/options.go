// File: server/options.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Options is the validated configuration bag copied into a Server. Option is
// the functional option form used for collaborators (logger, metrics...).

package server

import (
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied to unset options.
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 80
	DefaultIdleTimeout  = 120      // seconds
	DefaultMaxPayload   = 16 << 10 // bytes
	DefaultBackpressure = 64 << 10 // bytes

	// idleGranularity is the sweep period of the idle timer in seconds.
	idleGranularity = 4
)

// Ptr returns a pointer to v, for option setters.
func Ptr[T any](v T) *T { return &v }

// Options holds server settings. Every setter validates before storing and
// leaves the previous value in place on error. A nil argument resets the
// setting to the implementation default. Getters return the last stored
// value, nil when unset.
type Options struct {
	host         *string
	port         *int
	httpEnabled  *bool
	idleTimeout  *int
	maxPayload   *int64
	backpressure *int64

	tlsEnabled   *bool
	keyFile      *string
	certFile     *string
	caFile       *string
	dhParamsFile *string
	passphrase   *string
}

// NewOptions returns an empty option set.
func NewOptions() *Options { return &Options{} }

// Clone returns a deep copy.
func (o *Options) Clone() *Options {
	if o == nil {
		return NewOptions()
	}
	return &Options{
		host:         clonePtr(o.host),
		port:         clonePtr(o.port),
		httpEnabled:  clonePtr(o.httpEnabled),
		idleTimeout:  clonePtr(o.idleTimeout),
		maxPayload:   clonePtr(o.maxPayload),
		backpressure: clonePtr(o.backpressure),
		tlsEnabled:   clonePtr(o.tlsEnabled),
		keyFile:      clonePtr(o.keyFile),
		certFile:     clonePtr(o.certFile),
		caFile:       clonePtr(o.caFile),
		dhParamsFile: clonePtr(o.dhParamsFile),
		passphrase:   clonePtr(o.passphrase),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SetHost accepts an IPv4/IPv6 literal or a syntactically valid hostname.
func (o *Options) SetHost(v *string) error {
	if v != nil && !validHost(*v) {
		return api.OptionError("host", "%q is neither an IP address nor a hostname", *v)
	}
	o.host = clonePtr(v)
	return nil
}

func (o *Options) Host() *string { return clonePtr(o.host) }

// SetPort accepts 1..65535.
func (o *Options) SetPort(v *int) error {
	if v != nil && (*v < 1 || *v > math.MaxUint16) {
		return api.OptionError("port", "%d is outside 1..65535", *v)
	}
	o.port = clonePtr(v)
	return nil
}

func (o *Options) Port() *int { return clonePtr(o.port) }

// SetHTTPEnabled turns HandleRequest dispatch on for non-upgrade requests.
func (o *Options) SetHTTPEnabled(v *bool) error {
	o.httpEnabled = clonePtr(v)
	return nil
}

func (o *Options) HTTPEnabled() *bool { return clonePtr(o.httpEnabled) }

// SetWSIdleTimeout accepts 0 (never) or whole seconds that are at least 8
// and a multiple of 4, the granularity of the idle sweep.
func (o *Options) SetWSIdleTimeout(v *int) error {
	if v != nil {
		s := *v
		switch {
		case s < 0:
			return api.OptionError("ws_idle_timeout", "%d is negative", s)
		case s == 0:
		case s < 2*idleGranularity || s%idleGranularity != 0:
			return api.OptionError("ws_idle_timeout", "%d must be 0 or >= 8 and a multiple of 4", s)
		case s > math.MaxUint16:
			return api.OptionError("ws_idle_timeout", "%d exceeds %d", s, math.MaxUint16)
		}
	}
	o.idleTimeout = clonePtr(v)
	return nil
}

func (o *Options) WSIdleTimeout() *int { return clonePtr(o.idleTimeout) }

// SetWSMaxIncomingPayloadSize caps a single inbound message; 0 means the
// largest size the transport can represent.
func (o *Options) SetWSMaxIncomingPayloadSize(v *int64) error {
	if err := checkSize("ws_max_incoming_payload_size", v); err != nil {
		return err
	}
	o.maxPayload = clonePtr(v)
	return nil
}

func (o *Options) WSMaxIncomingPayloadSize() *int64 { return clonePtr(o.maxPayload) }

// SetWSBackpressureBufferSize caps queued outbound bytes per connection; 0
// means the largest size the transport can represent.
func (o *Options) SetWSBackpressureBufferSize(v *int64) error {
	if err := checkSize("ws_backpressure_buffer_size", v); err != nil {
		return err
	}
	o.backpressure = clonePtr(v)
	return nil
}

func (o *Options) WSBackpressureBufferSize() *int64 { return clonePtr(o.backpressure) }

func checkSize(name string, v *int64) error {
	if v == nil {
		return nil
	}
	if *v < 0 {
		return api.OptionError(name, "%d is negative", *v)
	}
	if *v > math.MaxUint32 {
		return api.OptionError(name, "%d does not fit the transport length field (max %d)", *v, uint32(math.MaxUint32))
	}
	return nil
}

// SetSSLEnabled switches TLS termination on.
func (o *Options) SetSSLEnabled(v *bool) error {
	if err := requireTLS("ssl_enabled"); err != nil {
		return err
	}
	o.tlsEnabled = clonePtr(v)
	return nil
}

func (o *Options) SSLEnabled() *bool { return clonePtr(o.tlsEnabled) }

func (o *Options) SetSSLKeyFile(v *string) error {
	return setTLSString("ssl_key_file", &o.keyFile, v)
}

func (o *Options) SSLKeyFile() *string { return clonePtr(o.keyFile) }

func (o *Options) SetSSLCertFile(v *string) error {
	return setTLSString("ssl_cert_file", &o.certFile, v)
}

func (o *Options) SSLCertFile() *string { return clonePtr(o.certFile) }

func (o *Options) SetSSLCAFile(v *string) error {
	return setTLSString("ssl_ca_file", &o.caFile, v)
}

func (o *Options) SSLCAFile() *string { return clonePtr(o.caFile) }

func (o *Options) SetSSLDHParamsFile(v *string) error {
	return setTLSString("ssl_dh_params_file", &o.dhParamsFile, v)
}

func (o *Options) SSLDHParamsFile() *string { return clonePtr(o.dhParamsFile) }

func (o *Options) SetSSLPassphrase(v *string) error {
	return setTLSString("ssl_passphrase", &o.passphrase, v)
}

func (o *Options) SSLPassphrase() *string { return clonePtr(o.passphrase) }

func setTLSString(name string, dst **string, v *string) error {
	if err := requireTLS(name); err != nil {
		return err
	}
	if v != nil && *v == "" {
		return api.OptionError(name, "must not be empty")
	}
	*dst = clonePtr(v)
	return nil
}

func requireTLS(name string) error {
	if !tlsSupported {
		return api.NewError(api.ErrCodeNotSupported, name, api.ErrTLSUnsupported, "built without TLS support")
	}
	return nil
}

// validate checks constraints spanning several options.
func (o *Options) validate() error {
	if o.tlsEnabled == nil || !*o.tlsEnabled {
		return nil
	}
	if o.keyFile == nil || o.certFile == nil {
		return api.OptionError("ssl_enabled", "key and certificate files are required with TLS")
	}
	return nil
}

func validHost(h string) bool {
	if h == "" {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	h = strings.TrimSuffix(h, ".")
	if len(h) == 0 || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

// limits are the option values narrowed to the transport widths.
type limits struct {
	host         string
	port         int
	httpEnabled  bool
	idleTimeout  uint16 // seconds, 0 = never
	maxPayload   uint32
	backpressure uint32
}

func (o *Options) limits() limits {
	l := limits{
		host:         DefaultHost,
		port:         DefaultPort,
		idleTimeout:  DefaultIdleTimeout,
		maxPayload:   DefaultMaxPayload,
		backpressure: DefaultBackpressure,
	}
	if o.host != nil {
		l.host = *o.host
	}
	if o.port != nil {
		l.port = *o.port
	}
	if o.httpEnabled != nil {
		l.httpEnabled = *o.httpEnabled
	}
	if o.idleTimeout != nil {
		l.idleTimeout = uint16(*o.idleTimeout)
	}
	if o.maxPayload != nil {
		l.maxPayload = narrowSize(*o.maxPayload)
	}
	if o.backpressure != nil {
		l.backpressure = narrowSize(*o.backpressure)
	}
	return l
}

func narrowSize(v int64) uint32 {
	if v == 0 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Option customizes server collaborators.
type Option func(*Server)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics reports traffic into m.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for HTTP transaction spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithProbes registers the server state probes in p.
func WithProbes(p *control.Probes) Option {
	return func(s *Server) {
		s.probes = p
	}
}

// WithShutdownTimeout bounds how long Stop waits for closing sockets to
// finish before aborting them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}
