package server_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/reactor"
	"github.com/momentics/evws/server"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.NewLoop()
	if errors.Is(err, api.ErrNotSupported) {
		t.Skip("no event loop on this platform")
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// testApp routes dispatch to optional funcs. A nil handshake func accepts
// with a fresh echoConn.
type testApp struct {
	handshake func(req *server.Request, hio *server.HTTPIO) server.Conn
	request   func(req *server.Request, hio *server.HTTPIO)
}

func (a *testApp) HandleHandshake(req *server.Request, hio *server.HTTPIO) server.Conn {
	if a.handshake == nil {
		return newEchoConn()
	}
	return a.handshake(req, hio)
}

func (a *testApp) HandleRequest(req *server.Request, hio *server.HTTPIO) {
	if a.request != nil {
		a.request(req, hio)
	}
}

type closeEvent struct {
	code   int
	reason string
}

// echoConn echoes every message and reports its lifecycle on channels.
type echoConn struct {
	server.Connection
	opened   chan struct{}
	messages chan string
	closed   chan closeEvent
	drained  chan int
}

func newEchoConn() *echoConn {
	return &echoConn{
		opened:   make(chan struct{}, 1),
		messages: make(chan string, 64),
		closed:   make(chan closeEvent, 4),
		drained:  make(chan int, 1024),
	}
}

func (c *echoConn) HandleOpen() { c.opened <- struct{}{} }

func (c *echoConn) HandleMessage(p []byte, f api.Format) {
	c.messages <- string(p)
	_, _ = c.Send(p, f)
}

func (c *echoConn) HandleDrain() {
	select {
	case c.drained <- c.BufferedAmount():
	default:
	}
}

func (c *echoConn) HandleClose(code int, reason string) {
	c.closed <- closeEvent{code, reason}
}
