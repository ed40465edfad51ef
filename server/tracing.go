// File: server/tracing.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/momentics/evws/server"

// startSpan opens the span of one transaction. A trace context sent by the
// client is continued.
func (s *Server) startSpan(io *HTTPIO, name string) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(io.req.Headers()))
	ctx, span := s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", io.req.Method()),
			attribute.String("url.path", io.req.Path()),
			attribute.String("client.address", io.req.RemoteIPAddress()),
		),
	)
	io.ctx, io.span = ctx, span
}

func (io *HTTPIO) endSpan(status int, err error) {
	span := io.span
	if span == nil {
		return
	}
	io.span = nil
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}
