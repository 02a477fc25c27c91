package realtime

import (
	"context"
	"errors"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// NhooyrDialer dials with nhooyr.io/websocket. It is the default dialer.
type NhooyrDialer struct {
	Options *websocket.DialOptions
	// ReadLimit caps a single frame. Zero keeps the library default.
	ReadLimit int64
}

func (d NhooyrDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &nhooyrTransport{conn: conn}, nil
}

type nhooyrTransport struct {
	conn *websocket.Conn
}

func (t *nhooyrTransport) Read(ctx context.Context) (records.Frame, error) {
	var f records.Frame
	if err := wsjson.Read(ctx, t.conn, &f); err != nil {
		return f, nhooyrCloseError(err)
	}
	return f, nil
}

func (t *nhooyrTransport) Write(ctx context.Context, f records.Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

func (t *nhooyrTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func nhooyrCloseError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
