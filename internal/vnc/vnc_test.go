package vnc

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// echoServer accepts connections and echoes them back.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRelayRoundTrip(t *testing.T) {
	clientEnd, clientRelay := net.Pipe()
	serverRelay, serverEnd := net.Pipe()

	type result struct {
		stats Stats
		err   error
	}
	relayDone := make(chan result, 1)
	go func() {
		stats, err := Relay(t.Context(), clientRelay, serverRelay)
		relayDone <- result{stats, err}
	}()

	up := payload(t, 10*1024)
	down := payload(t, 10*1024)

	go func() { _, _ = clientEnd.Write(up) }()
	got := make([]byte, len(up))
	_, err := io.ReadFull(serverEnd, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(up, got), "client to server bytes differ")

	go func() { _, _ = serverEnd.Write(down) }()
	got = make([]byte, len(down))
	_, err = io.ReadFull(clientEnd, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(down, got), "server to client bytes differ")

	require.NoError(t, clientEnd.Close())

	select {
	case r := <-relayDone:
		require.NoError(t, r.err)
		assert.Equal(t, int64(len(up)), r.stats.ToServer)
		assert.Equal(t, int64(len(down)), r.stats.ToClient)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}

	// The server side was closed too.
	_, err = serverEnd.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	_, clientRelay := net.Pipe()
	serverRelay, _ := net.Pipe()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_, _ = Relay(ctx, clientRelay, serverRelay)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
}

func TestConnectUnreachable(t *testing.T) {
	clientEnd, clientRelay := net.Pipe()
	_, err := Connect(t.Context(), clientRelay, closedPort(t))
	require.Error(t, err)

	_, err = clientEnd.Read(make([]byte, 1))
	assert.Error(t, err, "client side must be closed")
}

func wsURL(srv *httptest.Server, port int) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/vnc?port=" + strconv.Itoa(port)
}

func TestHandlerTunnelsWebsocket(t *testing.T) {
	port := echoServer(t)
	srv := httptest.NewServer(NewHandler(port, port))
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"binary"}, HandshakeTimeout: time.Second}
	ws, resp, err := dialer.Dial(wsURL(srv, port), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "binary", resp.Header.Get("Sec-Websocket-Protocol"))

	msg := payload(t, 10*1024)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, msg))

	var got []byte
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < len(msg) {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.True(t, bytes.Equal(msg, got))
}

func TestHandlerRejectsPortOutsideRange(t *testing.T) {
	srv := httptest.NewServer(NewHandler(5900, 5910))
	defer srv.Close()

	for _, q := range []string{"", "?port=abc", "?port=22", "?port=5911"} {
		resp, err := http.Get(srv.URL + "/vnc" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHandlerBadGatewayBeforeUpgrade(t *testing.T) {
	port := closedPort(t)
	srv := httptest.NewServer(NewHandler(port, port))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, port), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestForwarder(t *testing.T) {
	port := echoServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() { served <- NewForwarder("", port).Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	msg := payload(t, 4096)
	_, err = conn.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg, got))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
	conn.Close()
}
