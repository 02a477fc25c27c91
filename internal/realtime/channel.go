// Package realtime keeps one logical push subscription to the shared store
// alive across transport failures.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
)

var (
	ErrStopped     = errors.New("realtime channel stopped")
	ErrCoolingDown = errors.New("realtime channel cooling down")
)

// Handler receives change events for one channel.
type Handler func(records.ChangeEvent)

type Options struct {
	URL    string
	Dialer Dialer
	// Token returns the credential sent in the auth frame.
	Token  func() string
	Logger logging.Logger

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CooldownAfter consecutive server-classified errors suspend
	// reconnects for Cooldown.
	CooldownAfter int
	Cooldown      time.Duration

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ConnectTimeout    time.Duration
	AuthRetryDelay    time.Duration
	EventBuffer       int
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = NhooyrDialer{}
	}
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.CooldownAfter <= 0 {
		o.CooldownAfter = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.AuthRetryDelay <= 0 {
		o.AuthRetryDelay = 250 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// link is the live transport of one generation.
type link struct {
	gen          uint64
	transport    Transport
	cancel       context.CancelFunc
	pingSentAt   time.Time
	awaitingPong bool
}

// Channel is the RealtimeChannel. It is safe for concurrent use.
type Channel struct {
	opts   Options
	logger logging.Logger
	events chan Event

	mu                sync.Mutex
	ctx               context.Context
	cancel            context.CancelFunc
	state             State
	generation        uint64
	link              *link
	started           bool
	shouldReconnect   bool
	reconnecting      bool
	connectedOnce     bool
	consecutiveErrors int
	cooldownUntil     time.Time
	lastImmediate     time.Time
	retryTimer        *time.Timer
	subs              map[string]map[int]Handler
	nextSubID         int

	wg sync.WaitGroup
}

func New(opts Options) *Channel {
	opts.applyDefaults()
	return &Channel{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With("component", "realtime"),
		events: make(chan Event, opts.EventBuffer),
		state:  StateDisconnected,
		subs:   map[string]map[int]Handler{},
	}
}

// Events delivers lifecycle events. Sends never block.
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Channel) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// Channels returns the channels with at least one handler.
func (c *Channel) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelsLocked()
}

func (c *Channel) channelsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start enables reconnects and opens the first transport in the
// background. Cancelling ctx stops the channel.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("realtime channel already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.shouldReconnect = true
	c.mu.Unlock()

	c.goSafe("initial connect", func() { _ = c.reconnect("start") })
	return nil
}

// Stop disconnects and waits for background goroutines to exit.
func (c *Channel) Stop() {
	c.Disconnect()
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Disconnect closes the transport, clears every subscription and disables
// reconnects until the next Reconnect call.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.subs = map[string]map[int]Handler{}
	c.stopRetryLocked()
	old := c.detachLocked()
	// Supersede any connect in flight.
	c.generation++
	c.setStateLocked(StateDisconnected, CloseNormal, "client disconnect")
	c.mu.Unlock()

	if old != nil {
		_ = old.transport.Close(CloseNormal, "client disconnect")
	}
}

// Subscribe registers handler for channel. The server subscription is
// opened for the first handler and closed with the last one.
func (c *Channel) Subscribe(channel string, handler Handler) (func(), error) {
	if channel == "" || handler == nil {
		return nil, fmt.Errorf("%w: channel and handler are required", records.ErrInvalidInput)
	}
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	handlers, exists := c.subs[channel]
	if !exists {
		handlers = map[int]Handler{}
		c.subs[channel] = handlers
	}
	handlers[id] = handler
	l := c.link
	needConnect := l == nil && c.started && c.shouldReconnect && !c.reconnecting && c.state == StateDisconnected &&
		c.retryTimer == nil
	c.mu.Unlock()

	if !exists && l != nil {
		c.send(l, records.Frame{Type: records.FrameSubscribe, Channel: channel})
	}
	if needConnect {
		c.goSafe("lazy connect", func() { _ = c.reconnect("subscribe") })
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}, nil
}

func (c *Channel) unsubscribe(channel string, id int) {
	c.mu.Lock()
	handlers, ok := c.subs[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, channel)
	}
	l := c.link
	c.mu.Unlock()

	if last && l != nil {
		c.send(l, records.Frame{Type: records.FrameUnsubscribe, Channel: channel})
	}
}

// Reconnect tears down the current transport, builds a fresh one and
// resubscribes every registered channel. It returns immediately when a
// reconnect is already in progress.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrStopped
	}
	if until := c.cooldownUntil; c.opts.Now().Before(until) {
		c.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339))
	}
	c.shouldReconnect = true
	c.mu.Unlock()
	return c.reconnect("manual")
}

// reconnect is the single path that builds transports.
func (c *Channel) reconnect(reason string) error {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	if !c.shouldReconnect || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrStopped
	}
	c.reconnecting = true
	c.stopRetryLocked()
	old := c.detachLocked()
	c.generation++
	gen := c.generation
	c.setStateLocked(StateConnecting, 0, reason)
	lifecycle := c.ctx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	if old != nil {
		_ = old.transport.Close(CloseNormal, "reconnecting")
	}
	metrics.RecordRealtimeReconnect(reason)
	c.logger.Debug("connecting", "generation", gen, "reason", reason)

	t, err := c.dialAndAuthenticate(lifecycle)
	if err != nil {
		c.handleConnectFailure(gen, err)
		return err
	}

	c.mu.Lock()
	if gen != c.generation || !c.shouldReconnect {
		c.mu.Unlock()
		_ = t.Close(CloseNormal, "superseded")
		return ErrStopped
	}
	connCtx, cancel := context.WithCancel(lifecycle)
	l := &link{gen: gen, transport: t, cancel: cancel}
	c.link = l
	c.setStateLocked(StateOpen, 0, "")
	channels := c.channelsLocked()
	refresh := c.connectedOnce
	c.connectedOnce = true
	c.mu.Unlock()

	metrics.SetRealtimeConnected(true)
	for _, name := range channels {
		c.send(l, records.Frame{Type: records.FrameSubscribe, Channel: name})
	}

	c.wg.Add(2)
	go c.readLoop(connCtx, l)
	go c.heartbeat(connCtx, l)

	c.logger.Info("realtime connected", "generation", gen, "channels", len(channels))
	if refresh {
		c.emit(Event{Kind: EventDataRefreshRequested, State: StateOpen})
	}
	return nil
}

// dialAndAuthenticate opens a transport, sends the auth frame and waits for
// the server's ready frame.
func (c *Channel) dialAndAuthenticate(ctx context.Context) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	t, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	auth := records.Frame{Type: records.FrameAuth, Token: c.opts.Token()}
	err = t.Write(dialCtx, auth)
	if errors.Is(err, ErrNotReady) {
		select {
		case <-time.After(c.opts.AuthRetryDelay):
		case <-dialCtx.Done():
		}
		err = t.Write(dialCtx, auth)
	}
	if err != nil {
		_ = t.Close(CloseNormal, "auth failed")
		return nil, fmt.Errorf("send auth: %w", err)
	}

	for {
		f, err := t.Read(dialCtx)
		if err != nil {
			_ = t.Close(CloseNormal, "handshake failed")
			return nil, fmt.Errorf("await ready: %w", err)
		}
		switch f.Type {
		case records.FrameReady:
			return t, nil
		case records.FrameError:
			c.logger.Warn("handshake error frame", "code", f.Code, "message", f.Message)
		}
	}
}

func (c *Channel) handleConnectFailure(gen uint64, err error) {
	c.logger.Warn("realtime connect failed", "generation", gen, "error", err)
	var ce *CloseError
	if errors.As(err, &ce) {
		c.handleClose(gen, ce)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.setStateLocked(StateDisconnected, 0, err.Error())
	if !c.shouldReconnect {
		return
	}
	// An unreachable server counts as a server-classified error.
	c.consecutiveErrors++
	c.scheduleLocked(c.backoffLocked(), "dial_failed")
}

// handleClose applies the close policy for the transport of generation gen.
// Closures of superseded generations are ignored.
func (c *Channel) handleClose(gen uint64, ce *CloseError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.logger.Debug("ignoring close of superseded transport", "generation", gen, "current", c.generation, "code", ce.Code)
		return
	}
	if ce.Code != CloseNormal && (c.state == StateOpen || c.state == StateConnecting) {
		c.setStateLocked(StateFaulted, ce.Code, ce.Reason)
	}
	if l := c.link; l != nil && l.gen == gen {
		c.detachLocked()
	}
	c.setStateLocked(StateDisconnected, ce.Code, ce.Reason)
	c.logger.Info("realtime closed", "generation", gen, "code", ce.Code, "reason", ce.Reason)

	if !c.shouldReconnect {
		return
	}
	switch ce.Code {
	case CloseNormal:
	case CloseGoingAway, CloseServiceRestart:
		// Immediate, unless the previous immediate attempt was too recent.
		delay := time.Duration(0)
		now := c.opts.Now()
		if !c.lastImmediate.IsZero() && now.Sub(c.lastImmediate) < c.opts.BaseBackoff {
			delay = c.opts.BaseBackoff
		}
		c.lastImmediate = now
		c.scheduleLocked(delay, "going_away")
	case CloseNoStatus, CloseAbnormal:
		c.emitLocked(Event{Kind: EventDisconnected, State: StateDisconnected, Code: ce.Code, Reason: ce.Reason})
	case ClosePolicyViolation:
		c.consecutiveErrors++
		c.emitLocked(Event{Kind: EventAuthRejected, State: StateDisconnected, Code: ce.Code, Reason: ce.Reason})
		c.scheduleLocked(c.backoffLocked(), "policy")
	case CloseInternalError, CloseTryAgainLater:
		c.consecutiveErrors++
		c.scheduleLocked(c.backoffLocked(), "server_error")
	default:
		c.scheduleLocked(c.backoffLocked(), "unexpected_close")
	}
}

// backoffLocked doubles the base delay per consecutive error up to the cap.
func (c *Channel) backoffLocked() time.Duration {
	delay := c.opts.BaseBackoff
	for i := 1; i < c.consecutiveErrors; i++ {
		delay *= 2
		if delay >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return delay
}

// scheduleLocked arms the reconnect timer, or the cooldown once too many
// consecutive errors accumulated.
func (c *Channel) scheduleLocked(delay time.Duration, reason string) {
	c.stopRetryLocked()
	if c.consecutiveErrors >= c.opts.CooldownAfter {
		c.cooldownUntil = c.opts.Now().Add(c.opts.Cooldown)
		c.consecutiveErrors = 0
		delay = c.opts.Cooldown
		reason = "cooldown"
		c.logger.Warn("realtime cooling down", "until", c.cooldownUntil)
		c.emitLocked(Event{Kind: EventCooldown, State: c.state, Reason: c.cooldownUntil.Format(time.RFC3339)})
	}
	c.logger.Debug("reconnect scheduled", "delay", delay, "reason", reason)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.retryTimer != timer {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.mu.Unlock()
		c.goSafe("scheduled reconnect", func() { _ = c.reconnect(reason) })
	})
	c.retryTimer = timer
}

func (c *Channel) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// detachLocked drops the current link and bumps the generation so its
// close callbacks become no-ops.
func (c *Channel) detachLocked() *link {
	l := c.link
	if l == nil {
		return nil
	}
	c.link = nil
	l.cancel()
	c.generation++
	metrics.SetRealtimeConnected(false)
	if c.state == StateOpen {
		c.setStateLocked(StateClosing, 0, "")
	}
	c.setStateLocked(StateDisconnected, 0, "")
	return l
}

func (c *Channel) readLoop(ctx context.Context, l *link) {
	defer c.wg.Done()
	defer c.recoverLoop("read loop")
	for {
		f, err := l.transport.Read(ctx)
		if err != nil {
			c.handleClose(l.gen, closeErrorOf(err))
			return
		}
		switch f.Type {
		case records.FrameEvent:
			c.dispatch(f)
		case records.FramePong:
			c.mu.Lock()
			l.awaitingPong = false
			c.mu.Unlock()
		case records.FrameError:
			c.logger.Warn("realtime error frame", "code", f.Code, "message", f.Message)
		}
	}
}

func (c *Channel) dispatch(f records.Frame) {
	channel := f.Channel
	if channel == "" {
		channel = string(f.Entity)
	}
	c.mu.Lock()
	c.consecutiveErrors = 0
	handlers := make([]Handler, 0, len(c.subs[channel]))
	ids := make([]int, 0, len(c.subs[channel]))
	for id := range c.subs[channel] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, c.subs[channel][id])
	}
	c.mu.Unlock()

	evt := f.ChangeEvent()
	for _, h := range handlers {
		c.callHandler(h, evt)
	}
}

func (c *Channel) callHandler(h Handler, evt records.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked", "entity", evt.Entity, "id", evt.ID, "panic", fmt.Sprint(r))
		}
	}()
	h(evt)
}

// heartbeat pings on every interval. A pong missing for longer than
// PongTimeout closes the transport as abnormal.
func (c *Channel) heartbeat(ctx context.Context, l *link) {
	defer c.wg.Done()
	defer c.recoverLoop("heartbeat")
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		now := c.opts.Now()
		missed := l.awaitingPong && now.Sub(l.pingSentAt) >= c.opts.PongTimeout
		ping := !l.awaitingPong
		if ping {
			l.awaitingPong = true
			l.pingSentAt = now
		}
		c.mu.Unlock()

		if missed {
			c.logger.Warn("heartbeat missed", "generation", l.gen)
			c.handleClose(l.gen, &CloseError{Code: CloseAbnormal, Reason: "heartbeat timeout"})
			_ = l.transport.Close(CloseNormal, "heartbeat timeout")
			return
		}
		if ping {
			c.send(l, records.Frame{Type: records.FramePing})
		}
	}
}

func (c *Channel) send(l *link, f records.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := l.transport.Write(ctx, f); err != nil {
		c.logger.Debug("realtime write failed", "type", f.Type, "generation", l.gen, "error", err)
	}
}

func (c *Channel) setStateLocked(next State, code int, reason string) {
	if c.state == next {
		return
	}
	if err := c.state.validateTransitionTo(next); err != nil {
		c.logger.Error("BUG: realtime state transition rejected", "error", err)
		return
	}
	c.state = next
	c.emitLocked(Event{Kind: EventStateChanged, State: next, Code: code, Reason: reason})
}

func (c *Channel) emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(evt)
}

func (c *Channel) emitLocked(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("realtime event dropped", "kind", evt.Kind)
	}
}

func (c *Channel) goSafe(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.recoverLoop(name)
		fn()
	}()
}

func (c *Channel) recoverLoop(name string) {
	if r := recover(); r != nil {
		c.logger.Error("realtime goroutine panicked", "loop", name, "panic", fmt.Sprint(r))
	}
}
