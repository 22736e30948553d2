// Package test provides small test doubles shared across the module's
// _test.go files: a controllable clock, a scriptable online/focus event
// source, and counting/sequenced QueryFn/MutationFn stand-ins. Grounded on
// the teacher's internal/test/helpers.go (a minimal hand-rolled TestingTB
// double satisfying an external interface) — generalized here from "double
// for consul/sdk/testutil" to "doubles for qcache's own seams".
package test

import (
	"context"
	"sync"
	"time"
)

// ManualClock is an explicitly-advanced stand-in for time.Now, for
// deterministic staleTime/gcTime assertions.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock constructs a clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the clock's current time, matching time.Now's signature so
// it can replace package-level `now` vars in tests.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeEventSource is a scriptable online/focus EventSource: tests call
// Set to push a value and observe the listener installed via Listen react
// synchronously.
type FakeEventSource struct {
	mu    sync.Mutex
	value bool
	onSet func(bool)
}

// NewFakeEventSource constructs a source with the given starting value.
func NewFakeEventSource(initial bool) *FakeEventSource {
	return &FakeEventSource{value: initial}
}

// Listen matches OnlineManager/FocusManager's SetEventListener callback
// shape: it blocks until ctx is cancelled, forwarding Set calls to
// onChange.
func (f *FakeEventSource) Listen(ctx context.Context, onChange func(bool)) {
	f.mu.Lock()
	f.onSet = onChange
	f.mu.Unlock()
	<-ctx.Done()
}

// Set pushes a new value to the installed listener, if any.
func (f *FakeEventSource) Set(value bool) {
	f.mu.Lock()
	f.value = value
	onSet := f.onSet
	f.mu.Unlock()
	if onSet != nil {
		onSet(value)
	}
}

// Value returns the source's last-set value.
func (f *FakeEventSource) Value() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// CountingQueryFn wraps a result/error pair (or per-call sequence) and
// records how many times it has been invoked, for asserting retry/dedup
// behavior.
type CountingQueryFn struct {
	mu      sync.Mutex
	calls   int
	Results []CountingResult
}

// CountingResult is one scripted outcome for CountingQueryFn.
type CountingResult struct {
	Data  interface{}
	Error error
	Delay time.Duration
}

// NewCountingQueryFn constructs a fn that returns results[0] on the first
// call, results[1] on the second, and so on, repeating the last entry for
// any further calls.
func NewCountingQueryFn(results ...CountingResult) *CountingQueryFn {
	return &CountingQueryFn{Results: results}
}

// Calls returns how many times Fn has been invoked so far.
func (c *CountingQueryFn) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Fn is the QueryFn-shaped entry point.
func (c *CountingQueryFn) Fn(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	results := c.Results
	c.mu.Unlock()

	if idx >= len(results) {
		idx = len(results) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	r := results[idx]
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Data, r.Error
}

// SequencedMutationFn is CountingQueryFn's MutationFn-shaped counterpart,
// used for asserting scope-serialization order: each call appends its
// variables to Order before returning its scripted result.
type SequencedMutationFn struct {
	mu      sync.Mutex
	calls   int
	Order   []interface{}
	Results []CountingResult
}

// NewSequencedMutationFn constructs a fn returning results in sequence,
// repeating the last for any further calls.
func NewSequencedMutationFn(results ...CountingResult) *SequencedMutationFn {
	return &SequencedMutationFn{Results: results}
}

// Fn is the MutationFn-shaped entry point.
func (s *SequencedMutationFn) Fn(ctx context.Context, variables interface{}) (interface{}, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.Order = append(s.Order, variables)
	results := s.Results
	s.mu.Unlock()

	if idx >= len(results) {
		idx = len(results) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	r := results[idx]
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Data, r.Error
}

// CallOrder returns a snapshot of the variables passed to Fn, in call
// order.
func (s *SequencedMutationFn) CallOrder() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, len(s.Order))
	copy(out, s.Order)
	return out
}
