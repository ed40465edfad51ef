// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the wire-level pieces of RFC 6455 and HTTP/1.1 that the evws
// server orchestrates.
//
// Includes:
//   - Incremental frame header decoding and unmasked server frame encoding
//   - Close payload parsing and close code validation
//   - Upgrade request validation and Sec-WebSocket-Accept computation
//   - Incremental HTTP/1.1 request head and body decoding, response heads
//
// Nothing here performs I/O; every decoder works on the bytes it is given
// and reports how many it consumed.
package protocol
