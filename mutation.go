package qcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/qcache/qcache/events"
	"github.com/qcache/qcache/internal/backoff"
)

// MutationStatus is the lifecycle status of a Mutation, per spec.md §4.5.
type MutationStatus string

const (
	MutationIdle    MutationStatus = "idle"
	MutationPending MutationStatus = "pending"
	MutationSuccess MutationStatus = "success"
	MutationError   MutationStatus = "error"
)

// MutationFn is the user-supplied async operation a Mutation wraps.
type MutationFn func(ctx context.Context, variables interface{}) (interface{}, error)

// MutationState is the observable state of a Mutation, per spec.md §4.5.
type MutationState struct {
	Status        MutationStatus
	Variables     interface{}
	Context       interface{}
	Data          interface{}
	Error         error
	FailureCount  int
	FailureReason error
	IsPaused      bool
	SubmittedAt   time.Time
}

// MutationOptions configures a single Mutation, per spec.md §4.5.
type MutationOptions struct {
	MutationKey []interface{}
	MutationFn  MutationFn

	// Scope serializes this Mutation against others sharing the same
	// ID: mutations in the same scope run FIFO, mutations in different
	// scopes (or with no scope) run in parallel, per spec.md §4.5.
	Scope *MutationScope

	Retry       backoff.RetryPolicy
	RetryDelay  backoff.DelayFunc
	NetworkMode backoff.NetworkMode

	// OnSuccess/OnError/OnSettled can themselves reject: per spec.md §4.5/§7
	// ("if any lifecycle callback returns a rejected promise, the mutation
	// transitions to error with that error") and LifecycleCallbackFailure
	// ("treated equivalently to query-function failure unless the mutation
	// function itself already failed, in which case the original error is
	// reported"), a non-nil return from OnSuccess/OnSettled after a
	// successful MutationFn becomes the terminal error; a non-nil return
	// from OnError/OnSettled after a failed MutationFn is reported via
	// Event but does not override the original error.
	OnMutate  func(ctx context.Context, variables interface{}) (interface{}, error)
	OnSuccess func(ctx context.Context, data interface{}, variables interface{}, mutateCtx interface{}) error
	OnError   func(ctx context.Context, err error, variables interface{}, mutateCtx interface{}) error
	OnSettled func(ctx context.Context, data interface{}, err error, variables interface{}, mutateCtx interface{}) error

	Meta map[string]interface{}
}

// MutationScope groups mutations for FIFO-per-scope, parallel-across-scope
// serialization, per spec.md §4.5/§5.
type MutationScope struct {
	ID string
}

// Mutation is one in-flight or settled mutation, per spec.md §4.5. Grounded
// on the teacher's view.go poll/fetch loop for the Retryer wiring, adapted
// from Query's read/cache model to a single-shot write with
// onMutate/onSuccess/onError/onSettled side-effect sequencing.
type Mutation struct {
	cache *MutationCache
	event events.EventHandler

	mu      sync.RWMutex
	id      int
	options MutationOptions
	state   MutationState

	observers []*MutationObserver

	retryer *Retryer
}

func newMutation(cache *MutationCache, id int, opts MutationOptions, event events.EventHandler) *Mutation {
	if event == nil {
		event = func(events.Event) {}
	}
	return &Mutation{
		cache:   cache,
		event:   event,
		id:      id,
		options: opts,
		state: MutationState{
			Status: MutationIdle,
		},
	}
}

// State returns a copy of the Mutation's current state.
func (m *Mutation) State() MutationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Options returns the Mutation's configured options.
func (m *Mutation) Options() MutationOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.options
}

func (m *Mutation) addObserver(o *MutationObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Mutation) forEachObserver(fn func(*MutationObserver)) {
	m.mu.RLock()
	obs := make([]*MutationObserver, len(m.observers))
	copy(obs, m.observers)
	m.mu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

func (m *Mutation) setState(fn func(MutationState) MutationState) {
	m.mu.Lock()
	m.state = fn(m.state)
	m.mu.Unlock()

	m.cache.notify(CacheEvent{Type: EventUpdated, Mutation: m, Action: ActionSetState})
	m.forEachObserver(func(o *MutationObserver) { o.onMutationUpdate() })
}

// Execute runs the mutation to completion, invoking the configured
// lifecycle callbacks in the order documented by spec.md §4.5: onMutate,
// then (on settlement) onSuccess xor onError, then onSettled.
func (m *Mutation) Execute(ctx context.Context, variables interface{}) (interface{}, error) {
	m.setState(func(s MutationState) MutationState {
		s.Status = MutationPending
		s.Variables = variables
		s.SubmittedAt = now()
		s.FailureCount = 0
		s.FailureReason = nil
		s.Error = nil
		return s
	})

	var mutateCtx interface{}
	if m.options.OnMutate != nil {
		c, err := m.options.OnMutate(ctx, variables)
		mutateCtx = c
		if err != nil {
			return m.settleError(ctx, err, variables, mutateCtx)
		}
	}
	m.mu.Lock()
	m.state.Context = mutateCtx
	m.mu.Unlock()

	retryer := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			return m.options.MutationFn(ctx, variables)
		},
		OnFail: func(failureCount int, err error) {
			m.setState(func(s MutationState) MutationState {
				s.FailureCount = failureCount
				s.FailureReason = err
				return s
			})
		},
		OnPause: func() {
			m.setState(func(s MutationState) MutationState {
				s.IsPaused = true
				return s
			})
		},
		OnContinue: func() {
			m.setState(func(s MutationState) MutationState {
				s.IsPaused = false
				return s
			})
		},
		Retry:       m.options.Retry,
		RetryDelay:  m.options.RetryDelay,
		NetworkMode: m.options.NetworkMode,
		Event:       m.event,
	}).Start()

	m.mu.Lock()
	m.retryer = retryer
	m.mu.Unlock()

	data, err := retryer.Wait(ctx)

	m.mu.Lock()
	m.retryer = nil
	m.mu.Unlock()

	if err != nil {
		return m.settleError(ctx, err, variables, mutateCtx)
	}
	return m.settleSuccess(ctx, data, variables, mutateCtx)
}

func (m *Mutation) settleSuccess(ctx context.Context, data interface{}, variables, mutateCtx interface{}) (interface{}, error) {
	m.setState(func(s MutationState) MutationState {
		s.Status = MutationSuccess
		s.Data = data
		s.Error = nil
		s.IsPaused = false
		return s
	})

	var cbErr error
	if m.options.OnSuccess != nil {
		cbErr = m.options.OnSuccess(ctx, data, variables, mutateCtx)
	}
	if m.options.OnSettled != nil {
		if err := m.options.OnSettled(ctx, data, nil, variables, mutateCtx); err != nil && cbErr == nil {
			cbErr = err
		}
	}

	if cbErr != nil {
		// MutationFn itself succeeded, so a rejecting callback is the
		// terminal error (spec.md §4.5/§7 LifecycleCallbackFailure).
		m.setState(func(s MutationState) MutationState {
			s.Status = MutationError
			s.Error = cbErr
			return s
		})
		return nil, cbErr
	}
	return data, nil
}

func (m *Mutation) settleError(ctx context.Context, err error, variables, mutateCtx interface{}) (interface{}, error) {
	m.setState(func(s MutationState) MutationState {
		s.Status = MutationError
		s.Error = err
		s.IsPaused = false
		return s
	})

	id := strconv.Itoa(m.id)
	if m.options.OnError != nil {
		if cbErr := m.options.OnError(ctx, err, variables, mutateCtx); cbErr != nil {
			m.event(events.Trace{ID: id, Message: "onError callback rejected; original mutation error still wins: " + cbErr.Error()})
		}
	}
	if m.options.OnSettled != nil {
		if cbErr := m.options.OnSettled(ctx, nil, err, variables, mutateCtx); cbErr != nil {
			m.event(events.Trace{ID: id, Message: "onSettled callback rejected; original mutation error still wins: " + cbErr.Error()})
		}
	}
	// MutationFn already failed, so per spec.md §7 LifecycleCallbackFailure
	// the original error wins regardless of what the callbacks return.
	return nil, err
}

// IsPaused reports whether the Mutation's in-flight retryer is currently
// paused awaiting the network-mode gate.
func (m *Mutation) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsPaused
}

// resume continues a currently-paused mutation's in-flight retryer (waking
// it past the network-mode gate it is parked at), or, if no retryer is
// still alive to continue, re-executes with the last recorded variables.
// Used by MutationCache.ResumePausedMutations. Continuing the original retryer (rather
// than starting a fresh one) matters: the goroutine blocked in the
// original Execute call is the one whose caller is awaiting the mutation's
// result, and it must be the one that settles.
func (m *Mutation) resume(ctx context.Context) (interface{}, error) {
	m.mu.RLock()
	retryer := m.retryer
	vars := m.state.Variables
	m.mu.RUnlock()

	if retryer != nil && retryer.IsPaused() {
		retryer.Continue()
		return retryer.Wait(ctx)
	}
	return m.Execute(ctx, vars)
}
