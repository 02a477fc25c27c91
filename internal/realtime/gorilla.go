package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaTransport{conn: conn}, nil
}

// gorillaTransport serializes writes; gorilla allows one concurrent writer.
type gorillaTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *gorillaTransport) Read(ctx context.Context) (records.Frame, error) {
	var f records.Frame
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	if err := t.conn.ReadJSON(&f); err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return f, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return f, err
	}
	return f, nil
}

func (t *gorillaTransport) Write(ctx context.Context, f records.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return t.conn.WriteJSON(f)
}

func (t *gorillaTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
