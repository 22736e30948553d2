package qcache

import (
	"context"
	"sync"
)

// MutationObserverResult is the derived, observable result of one
// MutationObserver, per spec.md §4.5/§6.
type MutationObserverResult struct {
	Status        MutationStatus
	Variables     interface{}
	Data          interface{}
	Error         error
	FailureCount  int
	FailureReason error
	IsIdle        bool
	IsPending     bool
	IsSuccess     bool
	IsError       bool
	IsPaused      bool
}

// MutationObserver is the per-subscriber view layer over a (possibly
// still-to-be-created) Mutation, per spec.md §4.5: each call to Mutate
// builds a fresh Mutation, so the observer's "current result" always
// reflects the most recently started call (last-caller-wins).
type MutationObserver struct {
	Subscribable[MutationObserverResult]

	client  *QueryClient
	mu      sync.Mutex
	options MutationOptions

	current *Mutation
	result  MutationObserverResult
}

// NewMutationObserver constructs an observer for opts. No Mutation exists
// until Mutate is first called.
func NewMutationObserver(client *QueryClient, opts MutationOptions) *MutationObserver {
	return &MutationObserver{
		client:  client,
		options: opts,
		result:  MutationObserverResult{Status: MutationIdle, IsIdle: true},
	}
}

// SetOptions updates the options used by future Mutate calls.
func (o *MutationObserver) SetOptions(opts MutationOptions) {
	o.mu.Lock()
	o.options = opts
	o.mu.Unlock()
}

// Mutate builds a new Mutation from the observer's current options,
// registers this observer on it, and executes it through the
// MutationCache (so scope serialization applies), per spec.md §4.5.
// Because a new Mutation is built on every call, only the latest call's
// Mutation drives the observer's state: updates from an earlier Mutation
// are ignored once a later call has started, so a slow earlier call
// finishing last never overwrites the later result (latest-call-wins).
func (o *MutationObserver) Mutate(ctx context.Context, variables interface{}) (interface{}, error) {
	o.mu.Lock()
	opts := o.options
	o.mu.Unlock()

	m := o.client.mutationCache.Build(opts, o.client.event("mutation"))
	m.addObserver(o)

	o.mu.Lock()
	o.current = m
	o.mu.Unlock()
	o.onMutationUpdate()

	return o.client.mutationCache.Execute(ctx, m, variables)
}

// Reset returns the observer to its idle result, discarding any reference
// to a settled Mutation.
func (o *MutationObserver) Reset() {
	o.mu.Lock()
	o.current = nil
	o.result = MutationObserverResult{Status: MutationIdle, IsIdle: true}
	o.mu.Unlock()
	o.Emit(o.result)
}

// Result returns the observer's current derived result.
func (o *MutationObserver) Result() MutationObserverResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func (o *MutationObserver) onMutationUpdate() {
	o.mu.Lock()
	m := o.current
	o.mu.Unlock()
	if m == nil {
		return
	}

	state := m.State()
	result := MutationObserverResult{
		Status:        state.Status,
		Variables:     state.Variables,
		Data:          state.Data,
		Error:         state.Error,
		FailureCount:  state.FailureCount,
		FailureReason: state.FailureReason,
		IsIdle:        state.Status == MutationIdle,
		IsPending:     state.Status == MutationPending,
		IsSuccess:     state.Status == MutationSuccess,
		IsError:       state.Status == MutationError,
		IsPaused:      state.IsPaused,
	}

	o.mu.Lock()
	// A later Mutate call may have replaced o.current between State() and
	// this re-check; drop updates from a superseded Mutation.
	stillCurrent := o.current == m
	if stillCurrent {
		o.result = result
	}
	o.mu.Unlock()

	if stillCurrent {
		o.Emit(result)
	}
}
