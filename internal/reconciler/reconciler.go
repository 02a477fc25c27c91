// Package reconciler converges the lock fields in the shared store with the
// files the local host application actually has open.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
)

// ErrQueued is returned by Reconcile when a pass is already running. The
// running pass repeats once before returning.
var ErrQueued = errors.New("reconcile queued behind running pass")

// Cache is the part of the local state store the reconciler reads and
// folds results into.
type Cache interface {
	Documents() []records.Document
	ApplyExternalUpdate(v any) error
}

type Action string

const (
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"
	ActionCleanup Action = "cleanup"
)

// Outcome is the result of one lock mutation attempt.
type Outcome struct {
	DocumentID string
	Path       string
	Action     Action
	Type       records.LockType
	Err        error
	At         time.Time
}

func (o Outcome) Result() string {
	switch {
	case o.Err == nil:
		return "ok"
	case errors.Is(o.Err, records.ErrLockConflict):
		return "conflict"
	default:
		return "error"
	}
}

type Options struct {
	Owner  string
	Logger logging.Logger
	// Debounce is the quiet period after the last trigger before a pass.
	Debounce time.Duration
	// Interval runs a pass periodically. Zero disables it.
	Interval time.Duration
	// IntervalJitter spreads Interval by this ratio (0.0-1.0) so clients
	// sharing a store do not reconcile in lockstep.
	IntervalJitter float64
}

// Reconciler is the LockReconciler.
type Reconciler struct {
	cache  Cache
	remote storeclient.RemoteStore
	oracle Oracle
	owner  string
	logger logging.Logger

	debounce time.Duration
	interval time.Duration
	jitter   float64
	triggers chan struct{}
	outcomes chan Outcome

	mu      sync.Mutex
	running bool
	rerun   bool
}

func New(cache Cache, remote storeclient.RemoteStore, oracle Oracle, opts Options) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	return &Reconciler{
		cache:    cache,
		remote:   remote,
		oracle:   oracle,
		owner:    opts.Owner,
		logger:   logging.OrNop(opts.Logger).With("component", "reconciler", "owner", opts.Owner),
		debounce: opts.Debounce,
		interval: opts.Interval,
		jitter:   clampJitterRatio(opts.IntervalJitter),
		triggers: make(chan struct{}, 1),
		outcomes: make(chan Outcome, 128),
	}
}

func (r *Reconciler) Owner() string {
	return r.owner
}

// Outcomes delivers every lock and unlock attempt. Sends never block.
func (r *Reconciler) Outcomes() <-chan Outcome {
	return r.outcomes
}

// Trigger requests a debounced pass. Bursts collapse into one.
func (r *Reconciler) Trigger() {
	select {
	case r.triggers <- struct{}{}:
	default:
	}
}

// Run consumes triggers and the periodic timer until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	var (
		tick     <-chan time.Time
		periodic *time.Timer
		rng      = rand.New(rand.NewSource(time.Now().UnixNano()))
	)
	if r.interval > 0 {
		periodic = time.NewTimer(jitteredInterval(r.interval, r.jitter, rng.Float64()))
		defer periodic.Stop()
		tick = periodic.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.triggers:
			debounce.Reset(r.debounce)
		case <-debounce.C:
			r.runPass(ctx, "trigger")
		case <-tick:
			r.runPass(ctx, "interval")
			periodic.Reset(jitteredInterval(r.interval, r.jitter, rng.Float64()))
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context, reason string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reconcile pass panicked", "reason", reason, "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.ReconcileNow(ctx); err != nil && !errors.Is(err, ErrQueued) {
		r.logger.Warn("reconcile pass finished with errors", "reason", reason, "error", err)
	}
}

// ReconcileNow asks the oracle for the open files and reconciles.
func (r *Reconciler) ReconcileNow(ctx context.Context) ([]Outcome, error) {
	paths, err := r.oracle.ListOpenPaths(ctx)
	if err != nil {
		metrics.RecordReconcilePass("failed")
		return nil, fmt.Errorf("list open paths: %w", err)
	}
	return r.Reconcile(ctx, records.NewPathSet(paths...))
}

// Reconcile converges lock fields against open. Only one pass runs at a
// time; a call arriving mid-pass queues a single rerun against the
// oracle's view at that point and returns ErrQueued.
func (r *Reconciler) Reconcile(ctx context.Context, open records.PathSet) ([]Outcome, error) {
	r.mu.Lock()
	if r.running {
		r.rerun = true
		r.mu.Unlock()
		return nil, ErrQueued
	}
	r.running = true
	r.mu.Unlock()

	outcomes, err := r.pass(ctx, open)
	for {
		r.mu.Lock()
		if !r.rerun {
			r.running = false
			r.mu.Unlock()
			return outcomes, err
		}
		r.rerun = false
		r.mu.Unlock()

		paths, listErr := r.oracle.ListOpenPaths(ctx)
		if listErr != nil {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return outcomes, errors.Join(err, listErr)
		}
		more, moreErr := r.pass(ctx, records.NewPathSet(paths...))
		outcomes = append(outcomes, more...)
		err = errors.Join(err, moreErr)
	}
}

func (r *Reconciler) pass(ctx context.Context, open records.PathSet) ([]Outcome, error) {
	var (
		outcomes []Outcome
		errs     []error
	)
	for _, doc := range r.cache.Documents() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		isOpen := open.Contains(doc.FilePath)
		switch {
		case isOpen && doc.LockType == records.LockSystem:
			// Held by background processing; never preempted.
			continue
		case isOpen && doc.LockedBy(r.owner) && doc.LockType == records.LockUser:
			continue
		case isOpen && !doc.IsLocked():
			_, err := r.Lock(ctx, doc, records.LockUser)
			outcomes = append(outcomes, outcomeFor(doc, ActionLock, records.LockUser, err))
			if err != nil {
				errs = append(errs, err)
			}
		case !isOpen && doc.LockedBy(r.owner) && doc.LockType == records.LockUser:
			_, err := r.Unlock(ctx, doc)
			outcomes = append(outcomes, outcomeFor(doc, ActionUnlock, records.LockUser, err))
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	err := errors.Join(errs...)
	switch {
	case err != nil:
		metrics.RecordReconcilePass("failed")
	case len(outcomes) > 0:
		metrics.RecordReconcilePass("corrected")
	default:
		metrics.RecordReconcilePass("converged")
	}
	if len(outcomes) > 0 {
		r.logger.Debug("reconcile pass corrected locks", "changes", len(outcomes))
	}
	return outcomes, err
}

func outcomeFor(doc records.Document, action Action, lockType records.LockType, err error) Outcome {
	return Outcome{DocumentID: doc.ID, Path: doc.FilePath, Action: action, Type: lockType, Err: err, At: time.Now()}
}

// Lock acquires or refreshes a lock for this reconciler's owner. It fails
// without mutation when another owner holds the document.
func (r *Reconciler) Lock(ctx context.Context, doc records.Document, lockType records.LockType) (records.Document, error) {
	return r.LockAs(ctx, doc, lockType, r.owner)
}

// LockAs is Lock for an explicit owner.
func (r *Reconciler) LockAs(ctx context.Context, doc records.Document, lockType records.LockType, owner string) (records.Document, error) {
	if doc.IsLocked() && !doc.LockedBy(owner) {
		err := &records.LockConflictError{DocumentID: doc.ID, HeldBy: doc.LockOwnerID, HeldType: doc.LockType}
		r.report(doc, ActionLock, lockType, err)
		return doc, err
	}
	updated, err := r.remote.Lock(ctx, doc.ID, owner, lockType)
	if err != nil {
		r.report(doc, ActionLock, lockType, err)
		return doc, err
	}
	if foldErr := r.cache.ApplyExternalUpdate(updated); foldErr != nil {
		r.logger.Warn("failed to fold lock result", "doc_id", doc.ID, "error", foldErr)
	}
	r.report(doc, ActionLock, lockType, nil)
	return updated, nil
}

// Unlock releases this reconciler's lock. An unlocked document is a no-op
// success; a lock held by anyone else is a conflict.
func (r *Reconciler) Unlock(ctx context.Context, doc records.Document) (records.Document, error) {
	return r.UnlockAs(ctx, doc, r.owner)
}

func (r *Reconciler) UnlockAs(ctx context.Context, doc records.Document, owner string) (records.Document, error) {
	if !doc.IsLocked() {
		return doc, nil
	}
	if !doc.LockedBy(owner) {
		err := &records.LockConflictError{DocumentID: doc.ID, HeldBy: doc.LockOwnerID, HeldType: doc.LockType}
		r.report(doc, ActionUnlock, doc.LockType, err)
		return doc, err
	}
	updated, err := r.remote.Unlock(ctx, doc.ID, storeclient.UnlockRequest{Owner: owner, Type: doc.LockType})
	if err != nil {
		r.report(doc, ActionUnlock, doc.LockType, err)
		return doc, err
	}
	if foldErr := r.cache.ApplyExternalUpdate(updated); foldErr != nil {
		r.logger.Warn("failed to fold unlock result", "doc_id", doc.ID, "error", foldErr)
	}
	r.report(doc, ActionUnlock, doc.LockType, nil)
	return updated, nil
}

// CleanupOrphaned force-clears every lock held by owner, whatever its type.
// A new process instance supersedes the locks of any earlier one.
func (r *Reconciler) CleanupOrphaned(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		owner = r.owner
	}
	held, err := r.remote.ListLockedBy(ctx, owner)
	if err != nil {
		metrics.RecordLockOperation(string(ActionCleanup), "error")
		return 0, fmt.Errorf("list locks held by %s: %w", owner, err)
	}
	cleared := 0
	var errs []error
	for _, doc := range held {
		updated, err := r.remote.Unlock(ctx, doc.ID, storeclient.UnlockRequest{Owner: owner, Force: true})
		r.report(doc, ActionCleanup, doc.LockType, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", doc.ID, err))
			continue
		}
		cleared++
		if foldErr := r.cache.ApplyExternalUpdate(updated); foldErr != nil {
			r.logger.Warn("failed to fold cleanup result", "doc_id", doc.ID, "error", foldErr)
		}
	}
	if len(held) == 0 {
		metrics.RecordLockOperation(string(ActionCleanup), "noop")
	}
	if cleared > 0 {
		r.logger.Info("cleared orphaned locks", "count", cleared)
	}
	return cleared, errors.Join(errs...)
}

func (r *Reconciler) report(doc records.Document, action Action, lockType records.LockType, err error) {
	o := Outcome{DocumentID: doc.ID, Path: doc.FilePath, Action: action, Type: lockType, Err: err, At: time.Now()}
	metrics.RecordLockOperation(string(action), o.Result())
	if err != nil && !errors.Is(err, records.ErrLockConflict) {
		r.logger.Warn("lock operation failed", "action", action, "doc_id", doc.ID, "error", err)
	}
	select {
	case r.outcomes <- o:
	default:
	}
}
