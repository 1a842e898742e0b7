// Package ws implements a SIP over WebSocket client transport (RFC 7118).
package ws

//go:generate errtrace -w .

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/ghettovoice/sipua/internal/errorutil"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

// Subprotocol is the WebSocket subprotocol negotiated for SIP.
const Subprotocol = "sip"

const (
	ErrNotConnected errorutil.Error = "websocket not connected"
	ErrSubprotocol  errorutil.Error = "websocket subprotocol not negotiated"
	ErrServing      errorutil.Error = "websocket already served"
)

const (
	defHandshakeTimeout = 10 * time.Second
	defWriteTimeout     = 10 * time.Second
)

// Options configure a [Transport].
type Options struct {
	// Dialer is used to open the connection.
	// Its Subprotocols are replaced with [Subprotocol].
	Dialer *websocket.Dialer
	// Header is sent with the opening handshake.
	Header http.Header
	// WriteTimeout bounds every write. Zero means 10 seconds.
	WriteTimeout time.Duration
	// PingInterval enables WebSocket pings when positive.
	PingInterval time.Duration
	Log          *slog.Logger
}

func (o *Options) dialer() *websocket.Dialer {
	var d websocket.Dialer
	if o != nil && o.Dialer != nil {
		d = *o.Dialer
	} else {
		d.HandshakeTimeout = defHandshakeTimeout
		d.Proxy = http.ProxyFromEnvironment
	}
	d.Subprotocols = []string{Subprotocol}
	return &d
}

func (o *Options) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *Options) writeTimeout() time.Duration {
	if o == nil || o.WriteTimeout <= 0 {
		return defWriteTimeout
	}
	return o.WriteTimeout
}

func (o *Options) pingInterval() time.Duration {
	if o == nil {
		return 0
	}
	return o.PingInterval
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Transport is a client WebSocket connection carrying SIP messages,
// one message per WebSocket frame.
// It implements [sip.Transport].
type Transport struct {
	conn     *websocket.Conn
	proto    string
	url      string
	wtimeout time.Duration
	log      *slog.Logger

	wmu       sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool
	serving   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ sip.Transport = (*Transport)(nil)

// Dial connects to the WebSocket server at rawURL (ws:// or wss://)
// and negotiates the "sip" subprotocol.
func Dial(ctx context.Context, rawURL string, opts *Options) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}
	var proto string
	switch util.LCase(u.Scheme) {
	case "ws":
		proto = "WS"
	case "wss":
		proto = "WSS"
	default:
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported scheme %q", u.Scheme))
	}

	conn, _, err := opts.dialer().DialContext(ctx, u.String(), opts.header())
	if err != nil {
		return nil, errtrace.Wrap(sip.NewTransportError(err))
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		return nil, errtrace.Wrap(sip.NewTransportError(ErrSubprotocol))
	}

	t := &Transport{
		conn:     conn,
		proto:    proto,
		url:      u.String(),
		wtimeout: opts.writeTimeout(),
		log:      opts.log(),
		done:     make(chan struct{}),
	}
	t.connected.Store(true)
	if iv := opts.pingInterval(); iv > 0 {
		t.wg.Add(1)
		go t.ping(iv)
	}
	t.log.LogAttrs(ctx, slog.LevelDebug, "websocket connected", slog.Any("transport", t))
	return t, nil
}

// Protocol returns "WS" or "WSS" depending on the dialed URL.
func (t *Transport) Protocol() string { return t.proto }

// IsConnected reports whether the connection is open.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// Send writes msg as a single text frame.
func (t *Transport) Send(msg string) error {
	if !t.connected.Load() {
		return errtrace.Wrap(sip.NewTransportError(ErrNotConnected))
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.wtimeout)); err != nil {
		return errtrace.Wrap(sip.NewTransportError(err))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		if errorutil.IsConnectionLost(err) {
			t.connected.Store(false)
		}
		t.log.LogAttrs(context.Background(), slog.LevelWarn, "websocket write failed",
			slog.Any("transport", t),
			slog.Any("error", err),
			slog.Bool("timeout", errorutil.IsTimeout(err)),
		)
		return errtrace.Wrap(sip.NewTransportError(err))
	}
	return nil
}

// Serve reads frames until the connection ends and passes every text or
// binary frame to handler, on the calling goroutine.
// It returns nil after [Transport.Close] and the read error otherwise.
func (t *Transport) Serve(handler func(data []byte)) error {
	if !t.serving.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrServing)
	}

	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			t.connected.Store(false)
			if t.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.LogAttrs(context.Background(), slog.LevelDebug, "websocket closed", slog.Any("transport", t))
				return nil
			}
			t.log.LogAttrs(context.Background(), slog.LevelWarn, "websocket read failed",
				slog.Any("transport", t),
				slog.Any("error", err),
			)
			return errtrace.Wrap(sip.NewTransportError(err))
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		handler(data)
	}
}

// Close sends a close frame and releases the connection.
// It is safe to call Close more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.connected.Store(false)
		close(t.done)

		t.wmu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.wtimeout),
		)
		t.wmu.Unlock()

		err = t.conn.Close()
		t.wg.Wait()
		t.log.LogAttrs(context.Background(), slog.LevelDebug, "websocket transport closed", slog.Any("transport", t))
	})
	return errtrace.Wrap(err)
}

func (t *Transport) ping(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.wtimeout)); err != nil {
				t.log.LogAttrs(context.Background(), slog.LevelWarn, "websocket ping failed",
					slog.Any("transport", t),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

func (t *Transport) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("protocol", t.proto),
		slog.String("url", t.url),
		slog.Any("local_addr", t.conn.LocalAddr()),
		slog.Any("remote_addr", t.conn.RemoteAddr()),
		slog.Bool("connected", t.connected.Load()),
	)
}
