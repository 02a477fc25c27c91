package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
)

type readResult struct {
	f   records.Frame
	err error
}

type fakeTransport struct {
	incoming   chan readResult
	written    chan records.Frame
	closed     chan struct{}
	closeOnce  sync.Once
	notReady   atomic.Int32
	rejectAuth bool
	dropPongs  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan readResult, 64),
		written:  make(chan records.Frame, 256),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) (records.Frame, error) {
	select {
	case r := <-t.incoming:
		return r.f, r.err
	case <-t.closed:
		return records.Frame{}, errors.New("read on closed transport")
	case <-ctx.Done():
		return records.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, f records.Frame) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	if t.notReady.Load() > 0 {
		t.notReady.Add(-1)
		return ErrNotReady
	}
	t.written <- f
	switch f.Type {
	case records.FrameAuth:
		if t.rejectAuth {
			t.incoming <- readResult{err: &CloseError{Code: ClosePolicyViolation, Reason: "invalid token"}}
		} else {
			t.incoming <- readResult{f: records.Frame{Type: records.FrameReady}}
		}
	case records.FramePing:
		if !t.dropPongs {
			t.incoming <- readResult{f: records.Frame{Type: records.FramePong}}
		}
	}
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(f records.Frame) {
	t.incoming <- readResult{f: f}
}

func (t *fakeTransport) closeWith(code int) {
	t.incoming <- readResult{err: &CloseError{Code: code}}
}

// frames drains what the channel has written so far.
func (t *fakeTransport) frames() []records.Frame {
	var out []records.Frame
	for {
		select {
		case f := <-t.written:
			out = append(out, f)
		default:
			return out
		}
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   int
	configure  func(n int, t *fakeTransport)
	dials      atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	n := int(d.dials.Add(1))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	if d.configure != nil {
		d.configure(n, t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func (d *fakeDialer) count() int {
	return int(d.dials.Load())
}

func newTestChannel(t *testing.T, d Dialer, mutate func(*Options)) *Channel {
	t.Helper()
	opts := Options{
		URL:               "ws://test/v1/realtime",
		Dialer:            d,
		Token:             func() string { return "tok" },
		BaseBackoff:       10 * time.Millisecond,
		MaxBackoff:        80 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		PongTimeout:       time.Hour,
		ConnectTimeout:    time.Second,
		AuthRetryDelay:    5 * time.Millisecond,
		EventBuffer:       256,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Stop)
	return c
}

func waitEvent(t *testing.T, c *Channel, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-c.Events():
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func waitOpen(t *testing.T, c *Channel) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)
}
