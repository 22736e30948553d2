package qcache

import "sync"

// NotifyManager batches subscriber notifications within a scheduler
// boundary, per spec.md §2/§5. It is grounded on the teacher's
// buffer_period.go timers type, which accumulates per-ID state and flushes
// on a trigger; here the "trigger" is the exit of the outermost Batch call
// rather than a min/max timer, and entries are deduplicated by an opaque
// key so N writes to the same Query inside one Batch region still produce
// exactly one flushed notification for it.
type NotifyManager struct {
	mu      sync.Mutex
	depth   int
	queue   []func()
	queued  map[string]int // key -> index into queue, for de-dup
	notify  func(func())    // scheduling hook; defaults to synchronous execution
	batchFn func(func())    // hook wrapping the whole batch; defaults to direct call
}

// NewNotifyManager constructs a NotifyManager that runs notifications
// synchronously. Install hooks via SetNotifyFn/SetBatchFn to integrate with an actual
// microtask/scheduler (e.g. a UI framework's batching primitive); the core
// engine itself only needs the ordering guarantee batching provides.
func NewNotifyManager() *NotifyManager {
	return &NotifyManager{
		queued: make(map[string]int),
		notify: func(fn func()) { fn() },
		batchFn: func(fn func()) { fn() },
	}
}

// SetNotifyFn overrides how an individual flushed closure is invoked.
func (n *NotifyManager) SetNotifyFn(fn func(func())) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn == nil {
		fn = func(f func()) { f() }
	}
	n.notify = fn
}

// SetBatchFn overrides how the outermost Batch call wraps its body.
func (n *NotifyManager) SetBatchFn(fn func(func())) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn == nil {
		fn = func(f func()) { f() }
	}
	n.batchFn = fn
}

// Batch runs fn, coalescing any notifications scheduled with Schedule or
// ScheduleKeyed during fn (and during any nested Batch calls) into one
// flush at the exit of the outermost call.
func (n *NotifyManager) Batch(fn func()) {
	n.mu.Lock()
	n.depth++
	outer := n.depth == 1
	batchFn := n.batchFn
	n.mu.Unlock()

	run := func() {
		fn()
		n.mu.Lock()
		n.depth--
		flush := n.depth == 0
		var toRun []func()
		if flush {
			toRun = n.queue
			n.queue = nil
			n.queued = make(map[string]int)
		}
		n.mu.Unlock()

		for _, f := range toRun {
			n.notify(f)
		}
	}

	if outer {
		batchFn(run)
	} else {
		run()
	}
}

// Schedule queues fn to run at the next flush (immediately if not
// currently inside a Batch region).
func (n *NotifyManager) Schedule(fn func()) {
	n.mu.Lock()
	if n.depth == 0 {
		notify := n.notify
		n.mu.Unlock()
		notify(fn)
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
}

// ScheduleKeyed queues fn to run at the next flush, replacing any
// previously queued closure registered under the same key within this
// batch region — the de-dup behavior that keeps "N writes to the same
// Query" down to one flushed notification.
func (n *NotifyManager) ScheduleKeyed(key string, fn func()) {
	n.mu.Lock()
	if n.depth == 0 {
		notify := n.notify
		n.mu.Unlock()
		notify(fn)
		return
	}
	if idx, ok := n.queued[key]; ok {
		n.queue[idx] = fn
	} else {
		n.queued[key] = len(n.queue)
		n.queue = append(n.queue, fn)
	}
	n.mu.Unlock()
}

// defaultNotifyManager is the process-wide instance used when a
// QueryClient is not given its own, mirroring the teacher's approach of a
// single ambient instance shared across a process (spec.md §9, "global
// singletons... accessed through an injected handle").
var defaultNotifyManager = NewNotifyManager()
