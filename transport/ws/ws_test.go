package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/transport/ws"
)

// newServer starts a WebSocket server running handle for every connection.
func newServer(t *testing.T, subprotocols []string, handle func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: subprotocols}
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(func() {
		srv.Close()
		wg.Wait()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echo answers every frame with a copy prefixed by "echo:".
func echo(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(typ, append([]byte("echo:"), data...)); err != nil {
			return
		}
	}
}

func dial(t *testing.T, url string, opts *ws.Options) *ws.Transport {
	t.Helper()

	if opts == nil {
		opts = &ws.Options{}
	}
	opts.Log = log.Noop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp, err := ws.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Close() })
	return tp
}

func TestTransport_SendAndServe(t *testing.T) {
	t.Parallel()

	tp := dial(t, newServer(t, []string{ws.Subprotocol}, echo), &ws.Options{PingInterval: 10 * time.Millisecond})
	assert.Equal(t, "WS", tp.Protocol())
	assert.True(t, tp.IsConnected())

	received := make(chan string, 1)
	served := make(chan error, 1)
	go func() {
		served <- tp.Serve(func(data []byte) { received <- string(data) })
	}()

	msg := "OPTIONS sip:alice@example.com SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	require.NoError(t, tp.Send(msg))
	select {
	case got := <-received:
		assert.Equal(t, "echo:"+msg, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.ErrorIs(t, tp.Serve(func([]byte) {}), ws.ErrServing)

	require.NoError(t, tp.Close())
	require.NoError(t, tp.Close())
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	assert.False(t, tp.IsConnected())

	err := tp.Send(msg)
	require.ErrorIs(t, err, ws.ErrNotConnected)
	require.ErrorIs(t, err, sip.ErrTransport)
}

func TestTransport_PeerClose(t *testing.T) {
	t.Parallel()

	url := newServer(t, []string{ws.Subprotocol}, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})
	tp := dial(t, url, nil)

	require.NoError(t, tp.Serve(func([]byte) {}))
	assert.False(t, tp.IsConnected())
}

func TestTransport_PeerAbort(t *testing.T) {
	t.Parallel()

	url := newServer(t, []string{ws.Subprotocol}, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})
	tp := dial(t, url, nil)

	err := tp.Serve(func([]byte) {})
	require.ErrorIs(t, err, sip.ErrTransport)
	assert.False(t, tp.IsConnected())
}

func TestDial_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := &ws.Options{Log: log.Noop()}

	_, err := ws.Dial(ctx, "http://example.com/sip", opts)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)

	_, err = ws.Dial(ctx, newServer(t, nil, echo), opts)
	require.ErrorIs(t, err, ws.ErrSubprotocol)
	require.ErrorIs(t, err, sip.ErrTransport)
}
