//go:build linux

package server_test

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/momentics/evws/api"
	"github.com/momentics/evws/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort finds a port the kernel considers free. Options reject port 0.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T, app server.Application, configure func(*server.Options), extra ...server.Option) *server.Server {
	t.Helper()
	opts := server.NewOptions()
	require.NoError(t, opts.SetHost(server.Ptr("127.0.0.1")))
	require.NoError(t, opts.SetPort(server.Ptr(freePort(t))))
	if configure != nil {
		configure(opts)
	}
	options := append([]server.Option{
		server.WithLogger(quietLogger),
		server.WithShutdownTimeout(500 * time.Millisecond),
	}, extra...)
	srv, err := server.New(newLoop(t), opts, app, options...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	require.Eventually(t, srv.IsStarted, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func wsURL(srv *server.Server) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/chat", srv.Port())
}

func dialWS(t *testing.T, srv *server.Server) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialTCP(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func upgradeRequest(version string) string {
	return "GET /chat HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: " + version + "\r\n\r\n"
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestEchoText(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, func(o *server.Options) {
		require.NoError(t, o.SetWSIdleTimeout(server.Ptr(8)))
	})

	c := dialWS(t, srv)
	recv(t, conn.opened)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "ping", recv(t, conn.messages))

	mt, p, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "ping", string(p))

	assert.True(t, conn.IsConnected())
	assert.Equal(t, "127.0.0.1", conn.RemoteIPAddress())
	assert.Equal(t, "127.0.0.1", conn.LocalIPAddress())
	assert.Equal(t, srv, conn.Server())
}

func TestFragmentedAndBinaryMessages(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, nil)
	c := dialWS(t, srv)
	recv(t, conn.opened)

	w, err := c.NextWriter(websocket.BinaryMessage)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = w.Write(bytes.Repeat([]byte{byte('a' + i)}, 2000))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	mt, p, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Len(t, p, 6000)
	assert.Equal(t, byte('c'), p[5999])
}

func TestImplicitRejectAnswers500(t *testing.T) {
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return nil }}
	srv := startServer(t, app, nil)

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, upgradeRequest("13"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	all, err := io.ReadAll(c)
	require.NoError(t, err)

	br := bufio.NewReader(bytes.NewReader(all))
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
	assert.Zero(t, br.Buffered(), "no bytes after the response")
}

func TestDeferredAccept(t *testing.T) {
	conn := newEchoConn()
	var ended atomic.Bool
	app := &testApp{handshake: func(_ *server.Request, hio *server.HTTPIO) server.Conn {
		assert.NoError(t, hio.SetAbortHandler(func() {}))
		time.AfterFunc(200*time.Millisecond, func() {
			hio.Defer(func() {
				ended.Store(true)
				assert.NoError(t, hio.EndHandshake())
			})
		})
		return conn
	}}
	srv := startServer(t, app, nil)

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, upgradeRequest("13"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var one [1]byte
	_, err = c.Read(one[:])
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "nothing may be sent before EndHandshake")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	assert.True(t, ended.Load())
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	recv(t, conn.opened)
}

func TestDeferredReject(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(_ *server.Request, hio *server.HTTPIO) server.Conn {
		assert.NoError(t, hio.SetAbortHandler(func() {}))
		go func() {
			time.Sleep(50 * time.Millisecond)
			hio.Defer(func() {
				assert.NoError(t, hio.WriteStatus(http.StatusForbidden))
				assert.NoError(t, hio.End([]byte("go away")))
				assert.False(t, hio.IsValid())
			})
		}()
		return conn
	}}
	srv := startServer(t, app, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	select {
	case <-conn.opened:
		t.Fatal("rejected connection was opened")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeAbortHandlerOnPeerLeave(t *testing.T) {
	aborted := make(chan struct{}, 1)
	app := &testApp{handshake: func(_ *server.Request, hio *server.HTTPIO) server.Conn {
		assert.NoError(t, hio.SetAbortHandler(func() { aborted <- struct{}{} }))
		return newEchoConn()
	}}
	srv := startServer(t, app, nil)

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, upgradeRequest("13"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())
	recv(t, aborted)
}

func TestSendHandlerRefusedOnImplicitHandshake(t *testing.T) {
	errs := make(chan error, 1)
	app := &testApp{handshake: func(_ *server.Request, hio *server.HTTPIO) server.Conn {
		errs <- hio.SetSendHandler(func(int64) bool { return true })
		return newEchoConn()
	}}
	srv := startServer(t, app, nil)
	dialWS(t, srv)
	err := recv(t, errs)
	assert.True(t, errors.Is(err, api.ErrContractViolation))
}

func TestConnectionReuseIsRejected(t *testing.T) {
	shared := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return shared }}
	srv := startServer(t, app, nil)
	dialWS(t, srv)
	recv(t, shared.opened)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestBadUpgradeVersionAnswers400(t *testing.T) {
	srv := startServer(t, &testApp{}, nil)
	c := dialTCP(t, srv)
	_, err := io.WriteString(c, upgradeRequest("12"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOversizedMessageClosesBeforeDelivery(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, func(o *server.Options) {
		require.NoError(t, o.SetWSMaxIncomingPayloadSize(server.Ptr(int64(1024))))
	})
	c := dialWS(t, srv)
	recv(t, conn.opened)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 2048)))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseMessageTooBig, ce.Code)
	assert.Equal(t, api.CloseMessageTooBig, recv(t, conn.closed).code)
	assert.Empty(t, conn.messages)
}

func TestInvalidUTF8ClosesWith1007(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, nil)
	c := dialWS(t, srv)
	recv(t, conn.opened)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte{0xff, 0xfe}))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseInvalidFramePayloadData, ce.Code)
}

// HandleClose runs once and the connection refuses work afterwards.
func TestCloseExactlyOnce(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, nil)
	c := dialWS(t, srv)
	recv(t, conn.opened)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	ev := recv(t, conn.closed)
	assert.Equal(t, closeEvent{api.CloseNormal, "done"}, ev)

	after := make(chan error, 1)
	require.True(t, srv.Submit(func() {
		conn.Close(api.CloseNormal, "again")
		conn.Abort()
		_, err := conn.Send([]byte("late"), api.FormatText)
		after <- err
	}))
	assert.True(t, errors.Is(recv(t, after), api.ErrNotConnected))
	assert.False(t, conn.IsConnected())
	assert.False(t, conn.LoopSubmit(func() {}))
	assert.Nil(t, conn.Server())
	assert.Zero(t, conn.BufferedAmount())
	assert.Empty(t, conn.closed)
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestPeerDisconnectReports1006(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, nil)
	c := dialWS(t, srv)
	recv(t, conn.opened)
	require.NoError(t, c.UnderlyingConn().Close())
	assert.Equal(t, api.CloseAbnormal, recv(t, conn.closed).code)
}

// floodConn sends one large message on request and records drains.
type floodConn struct {
	*echoConn
	results chan floodResult

	mu     sync.Mutex
	levels []int
}

type floodResult struct {
	ok       bool
	err      error
	buffered int
}

func (c *floodConn) HandleMessage([]byte, api.Format) {
	for i := 0; i < 2; i++ {
		ok, err := c.Send(make([]byte, 32<<20), api.FormatBinary)
		c.results <- floodResult{ok, err, c.BufferedAmount()}
	}
}

func (c *floodConn) HandleDrain() {
	c.mu.Lock()
	c.levels = append(c.levels, c.BufferedAmount())
	c.mu.Unlock()
}

func TestBackpressureDrain(t *testing.T) {
	conn := &floodConn{echoConn: newEchoConn(), results: make(chan floodResult, 2)}
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, func(o *server.Options) {
		require.NoError(t, o.SetWSBackpressureBufferSize(server.Ptr(int64(1024))))
	})
	c := dialWS(t, srv)
	recv(t, conn.opened)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("go")))

	first := recv(t, conn.results)
	assert.False(t, first.ok)
	require.NoError(t, first.err)
	assert.Positive(t, first.buffered)

	second := recv(t, conn.results)
	assert.True(t, errors.Is(second.err, api.ErrBackpressure))
	assert.Equal(t, first.buffered, second.buffered, "a dropped send queues nothing")

	_, p, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Len(t, p, 32<<20)
	require.Eventually(t, func() bool { return conn.BufferedAmount() == 0 }, 3*time.Second, 10*time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.levels)
	for i := 1; i < len(conn.levels); i++ {
		assert.LessOrEqual(t, conn.levels[i], conn.levels[i-1])
	}
	assert.Zero(t, conn.levels[len(conn.levels)-1])
}

func TestWalkAndCloseConnections(t *testing.T) {
	var mu sync.Mutex
	var conns []*echoConn
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn {
		c := newEchoConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c
	}}
	srv := startServer(t, app, nil)
	for i := 0; i < 3; i++ {
		dialWS(t, srv)
	}
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 3 }, 3*time.Second, 5*time.Millisecond)

	walked := make(chan []server.Conn, 1)
	counts := make(chan int, 1)
	require.True(t, srv.Submit(func() {
		var seen []server.Conn
		srv.Walk(func(c server.Conn) { seen = append(seen, c) })
		walked <- seen
		srv.CloseConnections(api.CloseNormal, "bye")
		counts <- srv.ConnectionCount()
	}))

	seen := recv(t, walked)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for i, c := range conns {
		assert.Same(t, c, seen[i].(*echoConn), "registration order")
	}
	assert.Equal(t, 0, recv(t, counts))
	for _, c := range conns {
		assert.Equal(t, closeEvent{api.CloseNormal, "bye"}, recv(t, c.closed))
	}
}

func TestIdleTimeoutCloses(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the idle sweep")
	}
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}
	srv := startServer(t, app, func(o *server.Options) {
		require.NoError(t, o.SetWSIdleTimeout(server.Ptr(8)))
	})
	dialWS(t, srv)
	recv(t, conn.opened)
	select {
	case ev := <-conn.closed:
		assert.Equal(t, closeEvent{api.CloseGoingAway, "idle timeout"}, ev)
	case <-time.After(15 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func httpEnabled(t *testing.T) func(*server.Options) {
	return func(o *server.Options) {
		require.NoError(t, o.SetHTTPEnabled(server.Ptr(true)))
	}
}

func TestHTTPDisabledAnswers404(t *testing.T) {
	srv := startServer(t, &testApp{}, nil)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPRequestEnd(t *testing.T) {
	app := &testApp{request: func(req *server.Request, hio *server.HTTPIO) {
		assert.NoError(t, hio.WriteHeader("X-Path", req.Path()))
		assert.NoError(t, hio.End([]byte("hello "+req.QueryValue("name"))))

		assert.True(t, errors.Is(hio.WriteStatus(http.StatusTeapot), api.ErrInvalidIO))
		assert.True(t, errors.Is(hio.End(nil), api.ErrInvalidIO))
	}}
	srv := startServer(t, app, httpEnabled(t))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/greet?name=bob", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello bob", string(body))
	assert.Equal(t, "/greet", resp.Header.Get("X-Path"))
}

func TestHTTPPipelinedKeepAlive(t *testing.T) {
	app := &testApp{request: func(req *server.Request, hio *server.HTTPIO) {
		_ = hio.End([]byte(req.Path()))
	}}
	srv := startServer(t, app, httpEnabled(t))

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, "GET /one HTTP/1.1\r\nHost: x\r\n\r\nGET /two HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	br := bufio.NewReader(c)
	for _, want := range []string{"/one", "/two"} {
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}
}

func TestHTTPConnectionCloseHeader(t *testing.T) {
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) { _ = hio.End([]byte("bye")) }}
	srv := startServer(t, app, httpEnabled(t))

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	all, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Contains(t, string(all), "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(string(all), "\r\n\r\nbye"))
}

func TestHTTPChunkedRequestBody(t *testing.T) {
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) {
		var body []byte
		assert.NoError(t, hio.SetAbortHandler(func() {}))
		assert.NoError(t, hio.SetReceiveHandler(func(chunk []byte, last bool) {
			body = append(body, chunk...)
			if last {
				_ = hio.End(bytes.ToUpper(body))
			}
		}))
		assert.True(t, errors.Is(hio.SetReceiveHandler(func([]byte, bool) {}), api.ErrHandlerAlreadySet))
	}}
	srv := startServer(t, app, httpEnabled(t))

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, "POST /up HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(body))
}

func TestHTTPChunkedResponse(t *testing.T) {
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) {
		for _, part := range []string{"a", "bc", "def"} {
			_, err := hio.Write([]byte(part))
			assert.NoError(t, err)
		}
		assert.NoError(t, hio.End(nil))
	}}
	srv := startServer(t, app, httpEnabled(t))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "abcdef", string(body))
}

func TestHTTPSendHandlerStreamsLargeBody(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<20) // 16 MiB
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) {
		assert.NoError(t, hio.SetAbortHandler(func() {}))
		assert.NoError(t, hio.SetSendHandler(func(off int64) bool {
			n, _, err := hio.SendContent(payload[off:], int64(len(payload)))
			return err == nil && n > 0
		}))
		_, _, err := hio.SendContent(payload, int64(len(payload)))
		assert.NoError(t, err)
	}}
	srv := startServer(t, app, httpEnabled(t))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/big", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), resp.ContentLength)
	assert.True(t, bytes.Equal(payload, body))
}

func TestHTTPContentLengthHeadersAreManaged(t *testing.T) {
	errs := make(chan error, 1)
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) {
		errs <- hio.WriteHeader("Content-Length", "3")
		_ = hio.End(nil)
	}}
	srv := startServer(t, app, httpEnabled(t))
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", srv.Port()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, errors.Is(recv(t, errs), api.ErrContractViolation))
}

func TestHTTPUnfinishedRequestIsAborted(t *testing.T) {
	app := &testApp{request: func(*server.Request, *server.HTTPIO) {}}
	srv := startServer(t, app, httpEnabled(t))

	c := dialTCP(t, srv)
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	all, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHTTPHeadSuppressesBody(t *testing.T) {
	app := &testApp{request: func(_ *server.Request, hio *server.HTTPIO) { _ = hio.End([]byte("12345")) }}
	srv := startServer(t, app, httpEnabled(t))

	resp, err := http.Head(fmt.Sprintf("http://127.0.0.1:%d/", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int64(5), resp.ContentLength)
}

func TestServeHTTPWithChi(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/echo/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "%s:%s", chi.URLParam(r, "name"), body)
	})
	app := &testApp{request: func(req *server.Request, hio *server.HTTPIO) {
		assert.NoError(t, server.ServeHTTP(r, req, hio))
	}}
	srv := startServer(t, app, httpEnabled(t))

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/echo/bob", srv.Port()), "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bob:hi", string(body))
}

func TestStartTwiceAndBindFailure(t *testing.T) {
	srv := startServer(t, &testApp{}, nil)
	err := srv.Start()
	assert.True(t, errors.Is(err, api.ErrAlreadyStarted))

	opts := server.NewOptions()
	require.NoError(t, opts.SetHost(server.Ptr("203.0.113.7")))
	require.NoError(t, opts.SetPort(server.Ptr(freePort(t))))
	other, err := server.New(newLoop(t), opts, &testApp{}, server.WithLogger(quietLogger))
	require.NoError(t, err)
	err = other.Start()
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeTransport, api.CodeOf(err))
	assert.False(t, other.IsStarted())
}

func TestStopClosesConnectionsAndReturns(t *testing.T) {
	conn := newEchoConn()
	app := &testApp{handshake: func(*server.Request, *server.HTTPIO) server.Conn { return conn }}

	opts := server.NewOptions()
	require.NoError(t, opts.SetHost(server.Ptr("127.0.0.1")))
	require.NoError(t, opts.SetPort(server.Ptr(freePort(t))))
	srv, err := server.New(newLoop(t), opts, app, server.WithLogger(quietLogger))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	require.Eventually(t, srv.IsStarted, 2*time.Second, 5*time.Millisecond)

	c, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer c.Close()
	recv(t, conn.opened)

	srv.Stop()
	srv.Stop()
	assert.Equal(t, closeEvent{api.CloseGoingAway, "server shutdown"}, recv(t, conn.closed))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	require.NoError(t, recv(t, done))
	assert.False(t, srv.IsStarted())
	assert.Zero(t, srv.Port())
}
