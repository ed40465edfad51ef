// Package control
// Author: momentics <momentics@gmail.com>
//
// Observability for a running evws server:
//   - Prometheus collectors for connection, handshake, request and message
//     traffic (Metrics)
//   - named debug probes whose values are dumped on demand (Probes)
//
// Every Metrics method is safe on a nil receiver so the server can report
// unconditionally.
package control
