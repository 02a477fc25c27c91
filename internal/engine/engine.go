// Package engine builds the coordination components for one client
// process and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/commands"
	"github.com/agentworkforce/relaydocs/internal/config"
	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/realtime"
	"github.com/agentworkforce/relaydocs/internal/reconciler"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/statestore"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
	"github.com/agentworkforce/relaydocs/internal/verify"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

const devTokenTTL = 12 * time.Hour

// Options overrides pieces of the default wiring.
type Options struct {
	Config *config.AgentConfig
	Logger logging.Logger
	// Remote replaces the HTTP store client.
	Remote storeclient.RemoteStore
	// RealtimeURL and Dialer replace the push endpoint derived from the
	// store URL and the configured transport.
	RealtimeURL string
	Dialer      realtime.Dialer
	// Oracle replaces the lock-file oracle built from the watch roots.
	Oracle    reconciler.Oracle
	Inspector workflow.Inspector
}

// Engine is the composition root.
type Engine struct {
	cfg    *config.AgentConfig
	logger logging.Logger
	owner  string

	client   *storeclient.HTTPClient
	remote   storeclient.RemoteStore
	oracle   reconciler.Oracle
	watcher  *reconciler.Watcher
	Store    *statestore.Store
	Channel  *realtime.Channel
	Recon    *reconciler.Reconciler
	Machine  *workflow.Machine
	Verifier *verify.Verifier
	Commands *commands.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", records.ErrInvalidInput)
	}
	logger := logging.OrNop(opts.Logger).With("client_id", cfg.ClientID)
	e := &Engine{cfg: cfg, logger: logger, owner: cfg.ClientID}

	e.remote = opts.Remote
	if e.remote == nil {
		token := strings.TrimSpace(cfg.Store.Token)
		if token == "" && cfg.Store.TokenSecret != "" {
			minted, err := e.mintToken()
			if err != nil {
				return nil, err
			}
			token = minted
		}
		e.client = storeclient.NewHTTPClient(storeclient.Options{
			BaseURL:            cfg.Store.BaseURL,
			Token:              token,
			InteractiveTimeout: cfg.Store.InteractiveTimeout,
			BackgroundTimeout:  cfg.Store.BackgroundTimeout,
			MaxRetries:         cfg.Store.MaxRetries,
		})
		e.remote = e.client
	}

	e.Store = statestore.New(e.remote, statestore.Options{Logger: logger})

	realtimeURL := opts.RealtimeURL
	if realtimeURL == "" && e.client != nil {
		realtimeURL = e.client.RealtimeURL()
	}
	if realtimeURL != "" {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = dialerFor(cfg.Realtime.Transport)
		}
		e.Channel = realtime.New(realtime.Options{
			URL:               realtimeURL,
			Dialer:            dialer,
			Token:             e.token,
			Logger:            logger,
			BaseBackoff:       cfg.Realtime.BaseBackoff,
			MaxBackoff:        cfg.Realtime.MaxBackoff,
			CooldownAfter:     cfg.Realtime.CooldownAfter,
			Cooldown:          cfg.Realtime.Cooldown,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
			PongTimeout:       cfg.Realtime.PongTimeout,
		})
	}

	e.oracle = opts.Oracle
	if e.oracle == nil {
		lf := reconciler.NewLockFileOracle(cfg.Reconcile.Roots, cfg.Reconcile.LockPrefix, cfg.Reconcile.LockSuffix)
		if cfg.Reconcile.Flock {
			lf.Holder = reconciler.FlockCheck
		}
		e.oracle = lf
		if len(cfg.Reconcile.Roots) > 0 {
			w, err := reconciler.NewWatcher(lf, logger, func(path string, open bool) {
				e.Recon.Trigger()
			})
			if err != nil {
				return nil, fmt.Errorf("watch %s: %w", strings.Join(cfg.Reconcile.Roots, ", "), err)
			}
			e.watcher = w
		}
	}

	e.Recon = reconciler.New(e.Store, e.remote, e.oracle, reconciler.Options{
		Owner:          e.owner,
		Logger:         logger,
		Debounce:       cfg.Reconcile.Debounce,
		Interval:       cfg.Reconcile.Interval,
		IntervalJitter: cfg.Reconcile.IntervalJitter,
	})

	table, err := workflow.LoadTable(cfg.Workflow.Table)
	if err != nil {
		return nil, err
	}
	inspector := opts.Inspector
	if inspector == nil {
		inspector = workflow.StatInspector{}
	}
	e.Machine, err = workflow.New(table, workflow.DefaultRegistry(inspector), e.Store, workflow.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	if cfg.Verify.Enabled {
		e.Verifier = verify.New(e.Store, e.Machine, e.Recon, e.oracle, verify.Options{
			Owner:          e.owner,
			Logger:         logger,
			QueueSize:      cfg.Verify.QueueSize,
			ReleaseTimeout: cfg.Verify.ReleaseTimeout,
		})
	}

	e.Commands = commands.NewRegistry(logger)
	if err := commands.RegisterBuiltins(e.Commands, commands.Deps{Locker: e.Recon, Workflow: e.Machine, Refresher: e.Store, Files: e.oracle}); err != nil {
		return nil, err
	}
	return e, nil
}

func dialerFor(transport string) realtime.Dialer {
	if transport == "gorilla" {
		return realtime.GorillaDialer{}
	}
	return realtime.NhooyrDialer{}
}

func (e *Engine) token() string {
	if e.client == nil {
		return ""
	}
	return e.client.Token()
}

func (e *Engine) mintToken() (string, error) {
	return httpapi.MintToken(e.cfg.Store.TokenSecret, e.owner,
		[]string{httpapi.ScopeRecordsRead, httpapi.ScopeRecordsWrite}, devTokenTTL, time.Now())
}

func (e *Engine) Owner() string {
	return e.owner
}

// Start loads the cache, clears locks left by an earlier instance of this
// client, and starts every background loop. Only an auth failure on the
// first fetch is fatal; other failures leave the engine running offline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.Load(ctx); err != nil {
		if records.Classify(err) == records.ClassAuth {
			e.mu.Lock()
			e.started = false
			e.mu.Unlock()
			e.cancel()
			return fmt.Errorf("initial fetch: %w", err)
		}
		e.logger.Warn("initial fetch failed; continuing offline", "error", err)
	}
	e.cleanupOrphaned(ctx, "startup")

	if e.Channel != nil {
		for _, entity := range records.AllEntityTypes() {
			unsub, err := e.Channel.Subscribe(string(entity), e.onPush)
			if err != nil {
				e.Stop()
				return err
			}
			e.mu.Lock()
			e.unsubs = append(e.unsubs, unsub)
			e.mu.Unlock()
		}
	}

	e.goLoop("signals", func() { e.watchSignals(ctx) })
	e.goLoop("reconciler", func() { e.Recon.Run(ctx) })
	e.goLoop("outcomes", func() { e.logOutcomes(ctx) })
	if e.watcher != nil {
		e.goLoop("watcher", func() { e.watcher.Run(ctx) })
	}
	if e.Verifier != nil {
		changes, unsub := e.Machine.Subscribe()
		e.mu.Lock()
		e.unsubs = append(e.unsubs, unsub)
		e.mu.Unlock()
		e.goLoop("verifier", func() { e.Verifier.Run(ctx) })
		e.goLoop("verifier watch", func() { e.Verifier.Watch(ctx, changes) })
		e.goLoop("verifier reports", func() { e.logReports(ctx) })
	}
	if e.Channel != nil {
		e.goLoop("realtime events", func() { e.watchRealtime(ctx) })
		if err := e.Channel.Start(ctx); err != nil {
			e.Stop()
			return err
		}
	}
	e.Recon.Trigger()
	e.logger.Info("engine started")
	return nil
}

// Stop halts the loops and releases this client's locks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if e.Channel != nil {
		e.Channel.Stop()
	}
	cancel()
	e.wg.Wait()
	if e.watcher != nil {
		e.watcher.Close()
	}

	timeout := e.cfg.Store.InteractiveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	releaseCtx, done := context.WithTimeout(context.Background(), timeout)
	defer done()
	e.cleanupOrphaned(releaseCtx, "shutdown")
	e.logger.Info("engine stopped")
}

// Load fetches the configured scope into the cache without starting any loop.
func (e *Engine) Load(ctx context.Context) error {
	if e.cfg.Container != "" {
		return e.Store.SetActiveContainer(ctx, e.cfg.Container)
	}
	return e.Store.Fetch(ctx, false)
}

func (e *Engine) goLoop(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("engine loop panicked", "loop", name, "panic", fmt.Sprint(p))
			}
		}()
		fn()
	}()
}

func (e *Engine) onPush(evt records.ChangeEvent) {
	outcome, _ := e.Store.ApplyPushEvent(evt)
	if outcome == statestore.OutcomeApplied && evt.Entity == records.EntityDocument {
		e.Recon.Trigger()
	}
}

func (e *Engine) cleanupOrphaned(ctx context.Context, reason string) {
	n, err := e.Recon.CleanupOrphaned(ctx, e.owner)
	if err != nil {
		e.logger.Warn("orphaned lock cleanup failed", "reason", reason, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("released locks held by this client", "reason", reason, "count", n)
	}
}

// watchRealtime refetches after every reconnect and acts as the recovery
// coordinator for closures the channel does not recover from itself.
func (e *Engine) watchRealtime(ctx context.Context) {
	var recovery *time.Timer
	defer func() {
		if recovery != nil {
			recovery.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.Channel.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case realtime.EventDataRefreshRequested:
				if err := e.Store.Fetch(ctx, true); err != nil && !statestore.IsStale(err) {
					e.logger.Warn("refetch after reconnect failed", "error", err)
				}
				e.Recon.Trigger()
			case realtime.EventDisconnected:
				e.logger.Warn("realtime connection lost", "code", evt.Code, "reason", evt.Reason)
				if recovery != nil {
					recovery.Stop()
				}
				recovery = time.AfterFunc(e.cfg.Realtime.RecoveryDelay, func() {
					if err := e.Channel.Reconnect(ctx); err != nil && !errors.Is(err, realtime.ErrStopped) {
						e.logger.Warn("realtime recovery failed", "error", err)
					}
				})
			case realtime.EventAuthRejected:
				e.logger.Warn("realtime auth rejected", "reason", evt.Reason)
				e.refreshToken()
			case realtime.EventCooldown:
				e.logger.Warn("realtime reconnects suspended", "reason", evt.Reason)
			case realtime.EventStateChanged:
				e.logger.Debug("realtime state changed", "state", evt.State.String())
			}
		}
	}
}

func (e *Engine) watchSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-e.Store.Signals():
			if !ok {
				return
			}
			switch sig.Kind {
			case statestore.SignalSessionInvalidated:
				e.logger.Error("session invalidated", "error", sig.Err)
				if e.refreshToken() {
					if err := e.Store.Fetch(ctx, true); err != nil && !statestore.IsStale(err) {
						e.logger.Warn("refetch with new token failed", "error", err)
					}
				}
			case statestore.SignalOffline:
				e.logger.Warn("shared store unreachable", "attempt", sig.Attempt, "error", sig.Err)
			case statestore.SignalOnline:
				e.logger.Info("shared store reachable again")
				e.Recon.Trigger()
			case statestore.SignalWarning:
				e.logger.Warn(sig.Message, "error", sig.Err)
			}
		}
	}
}

// refreshToken mints a new development token when a secret is configured.
func (e *Engine) refreshToken() bool {
	if e.client == nil || e.cfg.Store.TokenSecret == "" {
		return false
	}
	token, err := e.mintToken()
	if err != nil {
		e.logger.Error("failed to mint token", "error", err)
		return false
	}
	e.client.SetToken(token)
	return true
}

func (e *Engine) logOutcomes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-e.Recon.Outcomes():
			switch o.Result() {
			case "ok":
				e.logger.Info("lock updated", "action", o.Action, "doc_id", o.DocumentID, "type", o.Type)
			case "conflict":
				e.logger.Info("document in use elsewhere", "action", o.Action, "doc_id", o.DocumentID, "error", o.Err)
			}
		}
	}
}

func (e *Engine) logReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.Verifier.Reports():
			if r.Err != nil {
				e.logger.Warn("verification did not complete", "doc_id", r.DocumentID, "error", r.Err)
			}
		}
	}
}

// Status summarizes the engine for the agent's status command.
type Status struct {
	ClientID          string
	Realtime          string
	Generation        uint64
	ConsecutiveErrors int
	Documents         int
	Locked            []records.Document
	Degraded          []records.EntityType
}

func (e *Engine) Status() Status {
	snap := e.Store.Snapshot()
	st := Status{
		ClientID:   e.owner,
		Realtime:   "disabled",
		Generation: snap.Generation,
		Documents:  len(snap.Documents),
		Locked:     e.Store.DocumentsLockedBy(e.owner),
		Degraded:   snap.Degraded,
	}
	if e.Channel != nil {
		st.Realtime = e.Channel.State().String()
		st.ConsecutiveErrors = e.Channel.ConsecutiveErrors()
	}
	return st
}
