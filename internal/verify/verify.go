// Package verify runs background file verification under a SYSTEM lock
// whenever a document enters a state that requires it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/reconciler"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

var (
	// ErrQueueFull is returned by Enqueue when the worker is saturated.
	ErrQueueFull = errors.New("verification queue full")
	// ErrBusy reports a document someone is editing or processing.
	ErrBusy = errors.New("document busy")
)

// Locker acquires and releases locks for an explicit owner.
type Locker interface {
	LockAs(ctx context.Context, doc records.Document, lockType records.LockType, owner string) (records.Document, error)
	UnlockAs(ctx context.Context, doc records.Document, owner string) (records.Document, error)
}

type Documents interface {
	Document(id string) (records.Document, bool)
}

// Runner runs one validator and stores its result.
type Runner interface {
	RunValidator(ctx context.Context, doc records.Document, kind workflow.ValidatorKind) (workflow.Result, records.Document, error)
	Table() *workflow.Table
}

// Report is the outcome of one verification job.
type Report struct {
	DocumentID string
	Result     workflow.Result
	Err        error
	Duration   time.Duration
	// HostReleased is false when the host still had the file open at
	// the end of ReleaseTimeout.
	HostReleased bool
}

type Options struct {
	Owner  string
	Kind   workflow.ValidatorKind
	Logger logging.Logger
	// QueueSize bounds pending jobs.
	QueueSize int
	// ReleaseTimeout bounds the wait for the host to drop its file lock.
	ReleaseTimeout time.Duration
	PollInterval   time.Duration
	// LockTimeout bounds the guaranteed release of the SYSTEM lock.
	LockTimeout time.Duration
}

// Verifier is a single-worker task queue. A document is processed by at
// most one job at a time; triggers arriving mid-run queue one rerun.
type Verifier struct {
	docs   Documents
	runner Runner
	locker Locker
	oracle reconciler.Oracle
	opts   Options
	logger logging.Logger

	queue   chan string
	reports chan Report

	mu       sync.Mutex
	pending  map[string]bool
	inflight map[string]bool
	rerun    map[string]bool
}

func New(docs Documents, runner Runner, locker Locker, oracle reconciler.Oracle, opts Options) *Verifier {
	if opts.Kind == "" {
		opts.Kind = workflow.KindFileVerified
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	return &Verifier{
		docs:     docs,
		runner:   runner,
		locker:   locker,
		oracle:   oracle,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).With("component", "verify"),
		queue:    make(chan string, opts.QueueSize),
		reports:  make(chan Report, opts.QueueSize),
		pending:  map[string]bool{},
		inflight: map[string]bool{},
		rerun:    map[string]bool{},
	}
}

// Reports delivers finished jobs. Sends never block.
func (v *Verifier) Reports() <-chan Report {
	return v.reports
}

// Requires reports whether entering state triggers verification.
func (v *Verifier) Requires(state int) bool {
	for _, s := range v.runner.Table().StatesRequiring(v.opts.Kind) {
		if s == state {
			return true
		}
	}
	return false
}

// Enqueue schedules documentID. Duplicate triggers collapse.
func (v *Verifier) Enqueue(documentID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inflight[documentID] {
		v.rerun[documentID] = true
		return nil
	}
	if v.pending[documentID] {
		return nil
	}
	select {
	case v.queue <- documentID:
		v.pending[documentID] = true
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch enqueues documents entering a state that requires verification.
func (v *Verifier) Watch(ctx context.Context, changes <-chan workflow.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !v.Requires(change.Current) {
				continue
			}
			if err := v.Enqueue(change.DocumentID); err != nil {
				v.logger.Warn("failed to queue verification", "doc_id", change.DocumentID, "error", err)
			}
		}
	}
}

// Run is the worker. It returns when ctx ends.
func (v *Verifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-v.queue:
			v.mu.Lock()
			delete(v.pending, id)
			v.inflight[id] = true
			v.mu.Unlock()

			report := v.process(ctx, id)

			v.mu.Lock()
			delete(v.inflight, id)
			again := v.rerun[id]
			delete(v.rerun, id)
			v.mu.Unlock()

			select {
			case v.reports <- report:
			default:
			}
			if again {
				if err := v.Enqueue(id); err != nil {
					v.logger.Warn("failed to requeue verification", "doc_id", id, "error", err)
				}
			}
		}
	}
}

func (v *Verifier) process(ctx context.Context, id string) (report Report) {
	start := time.Now()
	report = Report{DocumentID: id}
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("verification panicked", "doc_id", id, "panic", fmt.Sprint(p))
			report.Err = fmt.Errorf("verification of %s panicked: %v", id, p)
		}
		report.Duration = time.Since(start)
	}()

	doc, ok := v.docs.Document(id)
	if !ok {
		report.Err = fmt.Errorf("%w: document %s", records.ErrNotFound, id)
		return report
	}
	if doc.IsLocked() {
		report.Err = fmt.Errorf("%w: %s is locked by %s", ErrBusy, id, doc.LockOwnerID)
		return report
	}
	if open, err := v.oracle.IsOpen(ctx, doc.FilePath); err != nil {
		report.Err = fmt.Errorf("check %s: %w", doc.FilePath, err)
		return report
	} else if open {
		report.Err = fmt.Errorf("%w: %s is open locally", ErrBusy, id)
		return report
	}

	locked, err := v.locker.LockAs(ctx, doc, records.LockSystem, v.opts.Owner)
	if err != nil {
		if errors.Is(err, records.ErrLockConflict) {
			err = fmt.Errorf("%w: %w", ErrBusy, err)
		}
		report.Err = err
		return report
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.LockTimeout)
		defer cancel()
		if _, err := v.locker.UnlockAs(releaseCtx, locked, v.opts.Owner); err != nil {
			v.logger.Error("failed to release verification lock", "doc_id", id, "error", err)
			report.Err = errors.Join(report.Err, err)
		}
	}()

	res, _, err := v.runner.RunValidator(ctx, locked, v.opts.Kind)
	report.Result = res
	if err != nil {
		report.Err = err
		return report
	}
	report.HostReleased = v.waitForHostRelease(ctx, doc.FilePath)
	v.logger.Info("verification finished", "doc_id", id, "outcome", res.Outcome, "host_released", report.HostReleased)
	return report
}

// waitForHostRelease polls the oracle until the file is no longer open.
func (v *Verifier) waitForHostRelease(ctx context.Context, path string) bool {
	deadline := time.NewTimer(v.opts.ReleaseTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()
	for {
		open, err := v.oracle.IsOpen(ctx, path)
		if err == nil && !open {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			v.logger.Warn("host still holds file after verification", "path", path)
			return false
		case <-ticker.C:
		}
	}
}
