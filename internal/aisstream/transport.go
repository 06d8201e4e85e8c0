package aisstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultURL is the public AISStream endpoint.
const DefaultURL = "wss://stream.aisstream.io/v0/stream"

// Transport is one open connection. ReadFrame is only called from the
// receive loop; WriteClose and Close may be called concurrently with it.
type Transport interface {
	ReadFrame() (RawFrame, error)
	WriteText(p []byte, deadline time.Time) error
	WriteClose(deadline time.Time) error
	Close() error
}

// Dialer opens a fresh Transport for each session.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadChunkBytes bounds each RawFrame handed to the assembler.
	ReadChunkBytes int
	Header         http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = 15 * time.Second
	}
	chunk := d.ReadChunkBytes
	if chunk <= 0 {
		chunk = 8 * 1024
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn, chunk: chunk}, nil
}

type wsTransport struct {
	conn  *websocket.Conn
	chunk int

	cur io.Reader
	enc Encoding
}

func (t *wsTransport) ReadFrame() (RawFrame, error) {
	if t.cur == nil {
		mt, r, err := t.conn.NextReader()
		if err != nil {
			return closeFrameOr(err)
		}
		t.cur = r
		t.enc = EncodingText
		if mt == websocket.BinaryMessage {
			t.enc = EncodingBinary
		}
	}

	buf := make([]byte, t.chunk)
	n, err := io.ReadFull(t.cur, buf)
	switch {
	case err == nil:
		return RawFrame{Payload: buf[:n], Encoding: t.enc}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		t.cur = nil
		return RawFrame{Payload: buf[:n], Final: true, Encoding: t.enc}, nil
	default:
		t.cur = nil
		return closeFrameOr(err)
	}
}

// A peer close surfaces as a control frame. gorilla's default close handler
// has already echoed the close frame by the time the error is returned.
func closeFrameOr(err error) (RawFrame, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return RawFrame{Control: true, Payload: []byte(ce.Text)}, nil
	}
	return RawFrame{}, err
}

func (t *wsTransport) WriteText(p []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, p)
}

func (t *wsTransport) WriteClose(deadline time.Time) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
