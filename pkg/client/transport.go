package client

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/petervdpas/agora/internal/proto"
)

// Frame is a server-to-client message. Command is a client-to-server one.
type (
	Frame   = proto.Frame
	Command = proto.Command
)

// Transport is one open duplex channel to a gateway. ReadFrame is called
// from a single goroutine; WriteCommand may be called concurrently with it.
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteCommand(ctx context.Context, cmd Command) error
	Close() error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

type DialerFunc func(ctx context.Context, url string, header http.Header) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	return f(ctx, url, header)
}

// WebSocketDialer dials gateways over WebSocket with JSON text frames.
type WebSocketDialer struct {
	ReadLimit    int64
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: wt}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, t.conn, &f)
	return f, err
}

func (t *wsTransport) WriteCommand(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, cmd)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client closing")
}
