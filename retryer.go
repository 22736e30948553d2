package qcache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/qcache/qcache/events"
	"github.com/qcache/qcache/internal/backoff"
)

// RetryerFn is the task a Retryer wraps. ctx is cancelled when the
// Retryer is cancelled; a cooperative fn observes ctx.Done() to abort an
// in-flight attempt early, per spec.md §9's "cancellation token passed
// into the query function".
type RetryerFn func(ctx context.Context) (interface{}, error)

// CancelOptions controls Retryer.Cancel, mirroring spec.md §4.2/§4.5
// cancel({revert, silent}).
type CancelOptions struct {
	// Revert causes the promise to resolve as if the attempt currently in
	// flight had never started: any already-recorded failure reason is
	// discarded and the original (pre-fetch) error, if any, is reported.
	Revert bool
	// Silent suppresses the Cancelled event; used when the
	// caller is about to overwrite state itself (e.g. cancelRefetch).
	Silent bool
}

// RetryerConfig is the input to NewRetryer. Fields correspond directly to
// spec.md §4.1's documented inputs.
type RetryerConfig struct {
	Fn RetryerFn

	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()
	OnSuccess  func(data interface{})
	OnError    func(err error)

	Retry       backoff.RetryPolicy
	RetryDelay  backoff.DelayFunc
	NetworkMode backoff.NetworkMode

	// IsOnline is consulted by NetworkMode.CanRun; defaults to the
	// process-wide OnlineManager.
	IsOnline func() bool
	// CanRun is an additional, arbitrary gate evaluated alongside
	// NetworkMode (spec.md §4.1: "canRun() predicate"). A nil CanRun
	// always permits the attempt.
	CanRun func() bool

	// Event, if set, receives lifecycle events for tracing.
	Event events.EventHandler
}

// Retryer is a pause-capable, cancel-capable promise wrapper around a task
// function with a retry policy, per spec.md §4.1. It is grounded directly
// on the teacher's view.go poll/fetch loop: attempt, on error decide
// retry via a RetryFunc, sleep, and (here, generalized from "Consul
// connectivity" to "the abstract online signal") pause when the network
// mode forbids progress.
type Retryer struct {
	cfg RetryerConfig
	id  string

	ctx      context.Context
	cancelFn context.CancelFunc

	mu             sync.Mutex
	started        bool
	paused         bool
	continueCh     chan struct{}
	retryCancelled bool
	resolved       bool
	data           interface{}
	err            error
	revertedCancel *error // non-nil once a revert-cancel has captured the pre-attempt error
	doneCh         chan struct{}
}

// NewRetryer constructs a Retryer from cfg, filling in defaults for any
// unset policy field.
func NewRetryer(cfg RetryerConfig) *Retryer {
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = backoff.Default
	}
	if cfg.IsOnline == nil {
		cfg.IsOnline = Online().IsOnline
	}
	if cfg.Event == nil {
		cfg.Event = func(events.Event) {}
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "retryer"
	} else {
		id = id[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Retryer{
		cfg:      cfg,
		id:       id,
		ctx:      ctx,
		cancelFn: cancel,
		doneCh:   make(chan struct{}),
	}
}

// Start begins execution in a background goroutine and returns the
// Retryer itself so callers can chain `r := NewRetryer(cfg).Start()`.
func (r *Retryer) Start() *Retryer {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return r
	}
	r.started = true
	r.mu.Unlock()

	go r.run()
	return r
}

// Promise returns a channel that is closed once the Retryer resolves
// (successfully, with a final error, or via cancellation).
func (r *Retryer) Promise() <-chan struct{} {
	return r.doneCh
}

// Wait blocks until the Retryer resolves or ctx is done, returning the
// resolved data/error (or ctx's error if it wins the race).
func (r *Retryer) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-r.doneCh:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsResolved reports whether the Retryer has settled.
func (r *Retryer) IsResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// IsTransportCancelable always reports true: every attempt is invoked with
// a context.Context, so cancellation is always at least cooperatively
// deliverable to the task function (spec.md §9's cancellation-token
// re-architecture note).
func (r *Retryer) IsTransportCancelable() bool { return true }

// IsPaused reports whether the Retryer is currently paused awaiting the
// network-mode gate.
func (r *Retryer) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Cancel aborts the Retryer. If opts.Revert is set and the Retryer has not
// yet resolved, it resolves with preErr (the state captured before the
// fetch began) instead of any in-flight failure, per spec.md §4.2
// "cancel() with revert reports the original error without incrementing".
func (r *Retryer) Cancel(opts CancelOptions, preErr error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	if opts.Revert {
		e := preErr
		r.revertedCancel = &e
	}
	r.mu.Unlock()

	if !opts.Silent {
		r.cfg.Event(events.Cancelled{ID: r.id, Revert: opts.Revert})
	}
	r.cancelFn()
}

// CancelRetry prevents any further retry after the attempt currently in
// flight fails; that attempt is still allowed to complete.
func (r *Retryer) CancelRetry() {
	r.mu.Lock()
	r.retryCancelled = true
	r.mu.Unlock()
}

// ContinueRetry clears a prior CancelRetry.
func (r *Retryer) ContinueRetry() {
	r.mu.Lock()
	r.retryCancelled = false
	r.mu.Unlock()
}

// Continue wakes a paused Retryer immediately, bypassing the network-mode
// gate for its next attempt. Called by QueryCache.OnOnline and
// Mutation.resume.
func (r *Retryer) Continue() {
	r.mu.Lock()
	ch := r.continueCh
	r.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Retryer) run() {
	var failureCount int

	for attempt := 0; ; attempt++ {
		if r.ctx.Err() != nil {
			r.finishCancelled()
			return
		}

		canRun := r.cfg.NetworkMode.CanRun(attempt, r.cfg.IsOnline())
		if canRun && r.cfg.CanRun != nil {
			canRun = r.cfg.CanRun()
		}
		if !canRun {
			if !r.awaitContinueOrCancel() {
				r.finishCancelled()
				return
			}
		}

		r.cfg.Event(events.FetchStart{ID: r.id})
		data, err := r.cfg.Fn(r.ctx)
		if err == nil {
			r.cfg.Event(events.FetchSuccess{ID: r.id})
			r.finishSuccess(data)
			return
		}

		if r.ctx.Err() != nil {
			r.finishCancelled()
			return
		}

		failureCount++
		r.cfg.Event(events.FetchError{ID: r.id, Error: err})
		if r.cfg.OnFail != nil {
			r.cfg.OnFail(failureCount, err)
		}

		r.mu.Lock()
		cancelled := r.retryCancelled
		r.mu.Unlock()

		if cancelled || !r.cfg.Retry.ShouldRetry(failureCount, err) {
			r.cfg.Event(events.MaxRetries{ID: r.id, Count: failureCount})
			r.finishError(err)
			return
		}

		delay := r.cfg.RetryDelay(failureCount, err)
		r.cfg.Event(events.RetryAttempt{ID: r.id, Attempt: failureCount, Sleep: delay, Error: err})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			r.finishCancelled()
			return
		}
	}
}

// awaitContinueOrCancel blocks until Continue() is called or the Retryer
// is cancelled, returning false in the latter case.
func (r *Retryer) awaitContinueOrCancel() bool {
	r.mu.Lock()
	r.paused = true
	ch := make(chan struct{}, 1)
	r.continueCh = ch
	r.mu.Unlock()

	r.cfg.Event(events.Paused{ID: r.id})
	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}

	select {
	case <-ch:
		r.mu.Lock()
		r.paused = false
		r.continueCh = nil
		r.mu.Unlock()
		r.cfg.Event(events.Continued{ID: r.id})
		if r.cfg.OnContinue != nil {
			r.cfg.OnContinue()
		}
		return true
	case <-r.ctx.Done():
		r.mu.Lock()
		r.paused = false
		r.continueCh = nil
		r.mu.Unlock()
		return false
	}
}

func (r *Retryer) finishSuccess(data interface{}) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.data = data
	r.mu.Unlock()

	if r.cfg.OnSuccess != nil {
		r.cfg.OnSuccess(data)
	}
	close(r.doneCh)
}

func (r *Retryer) finishError(err error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.err = err
	r.mu.Unlock()

	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
	close(r.doneCh)
}

func (r *Retryer) finishCancelled() {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	if r.revertedCancel != nil {
		r.err = *r.revertedCancel
	} else {
		r.err = context.Canceled
	}
	r.mu.Unlock()

	close(r.doneCh)
}
