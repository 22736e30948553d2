package qcache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qcache/qcache/events"
	"github.com/qcache/qcache/internal/backoff"
	"github.com/qcache/qcache/internal/structural"
)

// Status is the lifecycle status of a Query's data, per spec.md §3.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchStatus reflects whether a Query currently has an active fetch, per
// spec.md §3.
type FetchStatus string

const (
	FetchIdle     FetchStatus = "idle"
	FetchFetching FetchStatus = "fetching"
	FetchPaused   FetchStatus = "paused"
)

// InfiniteGcTime disables a Query's gc timer entirely (spec.md §3
// invariant 5: "gcTime = Infinity disables the timer").
const InfiniteGcTime time.Duration = infiniteGcTime

// Static marks a Query as never stale and never invalidation-refetched
// (spec.md §4.2 staleTime 'static'). Pass it as QueryOptions.StaleTime.
var Static = staticMarker{}

type staticMarker struct{}

// StaleTimeFunc computes a Query's stale time dynamically.
type StaleTimeFunc func(q *Query) time.Duration

// QueryKey is the logical identity of a Query: an ordered tuple of
// primitives, slices, or maps. Two keys with the same hash are the same
// Query (spec.md §3).
type QueryKey []interface{}

// QueryFn is the user-supplied async operation a Query wraps. ctx carries
// cancellation (spec.md §9's cancellation-token re-architecture); meta
// carries the FetchOptions.Meta passed to Query.Fetch, mirroring
// fetchMeta in the state (spec.md §3).
type QueryFn func(ctx context.Context, meta map[string]interface{}) (interface{}, error)

// abortSignalKeyType is the context.Value key used to hand a QueryFn the
// capability to mark its fetch's ctx as cooperatively observed.
type abortSignalKeyType struct{}

var abortSignalKey abortSignalKeyType

// ConsumeAbortSignal marks the fetch that ctx belongs to as having
// cooperatively observed cancellation, and returns ctx unchanged. A QueryFn
// that threads this (rather than its raw ctx argument) down into a
// cancellable operation — an HTTP request, a database query — opts into
// spec.md §4.2/§5's "abort signal consumed" rule: when the last observer
// then unsubscribes, the in-flight fetch is actually cancelled instead of
// left to run to completion for the cache's sake. A QueryFn that never
// calls this is assumed not to honor cancellation, so its fetch is always
// left to finish.
func ConsumeAbortSignal(ctx context.Context) context.Context {
	if mark, ok := ctx.Value(abortSignalKey).(func()); ok {
		mark()
	}
	return ctx
}

// QueryState is the observable state of a Query, per spec.md §3.
type QueryState struct {
	Data                interface{}
	DataUpdateCount     int
	DataUpdatedAt       time.Time
	Error               error
	ErrorUpdateCount    int
	ErrorUpdatedAt      time.Time
	FetchFailureCount   int
	FetchFailureReason  error
	FetchMeta           map[string]interface{}
	IsInvalidated       bool
	Status              Status
	FetchStatus         FetchStatus
}

// QueryOptions configures a single Query. It is the result of merging
// client defaults, key-matched defaults, and observer options (spec.md §3
// "options"; see QueryClient.resolveQueryOptions).
type QueryOptions struct {
	QueryKey       QueryKey
	QueryKeyHashFn func(QueryKey) string
	QueryFn        QueryFn

	// StaleTime is a time.Duration, the Static sentinel, or a
	// StaleTimeFunc.
	StaleTime interface{}
	GcTime    time.Duration

	Retry       backoff.RetryPolicy
	RetryDelay  backoff.DelayFunc
	NetworkMode backoff.NetworkMode

	// StructuralSharing is a bool (default true) or a
	// func(prev, next interface{}) interface{}.
	StructuralSharing interface{}

	InitialData          interface{}
	InitialDataUpdatedAt *time.Time

	Meta map[string]interface{}
}

func (o QueryOptions) hasInitialData() bool {
	return o.InitialData != nil
}

func (o QueryOptions) structuralSharingEnabled() (func(prev, next interface{}) interface{}, bool) {
	switch v := o.StructuralSharing.(type) {
	case nil:
		return structural.Share, true
	case bool:
		if !v {
			return nil, false
		}
		return structural.Share, true
	case func(prev, next interface{}) interface{}:
		return v, true
	default:
		return structural.Share, true
	}
}

func (o QueryOptions) resolveStaleTime(q *Query) (d time.Duration, static bool) {
	switch v := o.StaleTime.(type) {
	case nil:
		return 0, false
	case staticMarker:
		return 0, true
	case time.Duration:
		return v, false
	case StaleTimeFunc:
		return v(q), false
	case func(*Query) time.Duration:
		return v(q), false
	default:
		return 0, false
	}
}

// FetchOptions controls an individual Query.Fetch call, per spec.md §4.2.
type FetchOptions struct {
	// CancelRefetch, when true (the default), cancels any in-flight fetch
	// before starting a new one if the Query already has data.
	CancelRefetch *bool
	Meta         map[string]interface{}
}

func (o FetchOptions) cancelRefetch() bool {
	if o.CancelRefetch == nil {
		return true
	}
	return *o.CancelRefetch
}

// SetDataOptions controls Query.SetData.
type SetDataOptions struct {
	UpdatedAt *time.Time
	Manual    bool
}

// Query is one cache entry: a keyed, deduplicated, retry-orchestrated
// asynchronous read plus its observer registry. Grounded on the teacher's
// view.go (poll/fetch loop, shared in-flight state) and buffer_period.go
// (gc timer, via the embedded Removable), generalized from "one Consul
// dependency" to "one arbitrary keyed async read" and from channel-based
// polling to a Retryer-backed single-shot fetch per spec.md §4.2.
type Query struct {
	Removable

	cache *QueryCache
	event events.EventHandler

	mu      sync.RWMutex
	hash    string
	key     QueryKey
	options QueryOptions
	state   QueryState

	observers      map[int]*QueryObserver
	nextObserverID int

	retryer       *Retryer
	preFetchState *QueryState
	abortConsumed bool
}

func newQuery(cache *QueryCache, hash string, opts QueryOptions, event events.EventHandler) *Query {
	if event == nil {
		event = func(events.Event) {}
	}
	q := &Query{
		cache:     cache,
		event:     event,
		hash:      hash,
		key:       opts.QueryKey,
		options:   opts,
		observers: make(map[int]*QueryObserver),
	}
	q.state = q.initialState(opts)
	return q
}

func (q *Query) initialState(opts QueryOptions) QueryState {
	s := QueryState{
		Status:      StatusPending,
		FetchStatus: FetchIdle,
		FetchMeta:   map[string]interface{}{},
	}
	if opts.hasInitialData() {
		s.Data = opts.InitialData
		s.Status = StatusSuccess
		s.DataUpdateCount = 1
		if opts.InitialDataUpdatedAt != nil {
			s.DataUpdatedAt = *opts.InitialDataUpdatedAt
		}
	}
	return s
}

// Hash returns the deterministic hash identifying this Query.
func (q *Query) Hash() string { return q.hash }

// Key returns the Query's logical key.
func (q *Query) Key() QueryKey {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.key
}

// State returns a copy of the Query's current state.
func (q *Query) State() QueryState {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Options returns the Query's currently merged options.
func (q *Query) Options() QueryOptions {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.options
}

// SetOptions replaces the Query's options (called by
// QueryObserver.SetOptions when the observer's key is unchanged).
func (q *Query) SetOptions(opts QueryOptions) {
	q.mu.Lock()
	opts.QueryKey = q.key
	q.options = opts
	q.mu.Unlock()
}

// Meta returns the Query options' meta map.
func (q *Query) Meta() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.options.Meta
}

// AddObserver registers o against this Query, cancelling any pending gc.
func (q *Query) AddObserver(o *QueryObserver) {
	q.mu.Lock()
	q.ClearGcTimeout()
	id := q.nextObserverID
	q.nextObserverID++
	q.observers[id] = o
	o.setQueryObserverID(id)
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventObserverAdded, Query: q})
}

// RemoveObserver unregisters o. If it was the last observer, gc is
// scheduled for q.options.GcTime (spec.md §3 invariant 5). If the fetch
// in flight cooperatively consumed its abort signal (ConsumeAbortSignal),
// it is cancelled outright; otherwise it is left to complete so the cache
// is populated for future subscribers (spec.md §4.2/§5).
func (q *Query) RemoveObserver(o *QueryObserver) {
	q.mu.Lock()
	delete(q.observers, o.queryObserverID())
	last := len(q.observers) == 0
	gcTime := q.options.GcTime
	retryer := q.retryer
	abortConsumed := q.abortConsumed
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventObserverRemoved, Query: q})

	if last {
		if retryer != nil && abortConsumed {
			retryer.Cancel(CancelOptions{Revert: false}, nil)
		}
		q.ScheduleGc(gcTime, func() {
			q.cache.removeIfEligible(q)
		})
	}
}

// ObserverCount returns the number of currently-registered observers.
func (q *Query) ObserverCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.observers)
}

// IsActive reports whether at least one registered observer is enabled
// (spec.md §4.3 filter type "active").
func (q *Query) IsActive() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, o := range q.observers {
		if o.Enabled() {
			return true
		}
	}
	return false
}

// IsStale reports whether the Query's data should be considered stale
// right now (spec.md §4.2: invalidated, or past staleTime; a 'static'
// staleTime is never stale).
func (q *Query) IsStale() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, static := q.options.resolveStaleTime(q)
	if static {
		return false
	}
	if q.state.IsInvalidated {
		return true
	}
	d, _ := q.options.resolveStaleTime(q)
	return q.isStaleByTimeLocked(d)
}

// IsStaleByTime reports whether d has elapsed since the last successful
// update, ignoring isInvalidated.
func (q *Query) IsStaleByTime(d time.Duration) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.isStaleByTimeLocked(d)
}

func (q *Query) isStaleByTimeLocked(d time.Duration) bool {
	if q.state.Status != StatusSuccess {
		return true
	}
	if q.state.DataUpdatedAt.IsZero() {
		return true
	}
	return time.Since(q.state.DataUpdatedAt) >= d
}

// forEachObserver invokes fn for a snapshot of currently-registered
// observers.
func (q *Query) forEachObserver(fn func(*QueryObserver)) {
	q.mu.RLock()
	obs := make([]*QueryObserver, 0, len(q.observers))
	for _, o := range q.observers {
		obs = append(obs, o)
	}
	q.mu.RUnlock()

	for _, o := range obs {
		fn(o)
	}
}

// Invalidate marks the Query as invalidated (spec.md §4.2). A Query whose
// staleTime is Static ignores invalidation-driven refetches (spec.md §4.2
// "Staleness") but the flag is still recorded for IsStale/GetQueryState
// consumers.
func (q *Query) Invalidate() {
	q.mu.Lock()
	if q.state.IsInvalidated {
		q.mu.Unlock()
		return
	}
	q.state.IsInvalidated = true
	q.mu.Unlock()

	q.event(events.Invalidated{ID: q.hash})
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionInvalidate})
}

// Reset restores the Query to its freshly-constructed state (spec.md
// §4.2).
func (q *Query) Reset() {
	q.mu.Lock()
	opts := q.options
	q.state = q.initialState(opts)
	q.mu.Unlock()
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionSetState})
}

// SetState applies an arbitrary partial update to the Query's state,
// per spec.md §4.2 setState.
func (q *Query) SetState(fn func(QueryState) QueryState) {
	q.mu.Lock()
	q.state = fn(q.state)
	q.mu.Unlock()
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionSetState})
	q.notifyObservers()
}

// SetData writes updater(currentData) into the Query as if it were a
// successful fetch result, without invoking queryFn (spec.md §4.2). If
// updater returns nil when the Query already has non-nil data undefined
// would be returned in the JS source; in Go a nil result is still treated
// as a real write (Go has no "undefined"), matching
// QueryClient.setQueryData's explicit no-op only at the client layer.
func (q *Query) SetData(updater func(old interface{}) interface{}, opts SetDataOptions) interface{} {
	q.mu.Lock()
	next := updater(q.state.Data)
	shared := next
	if share, ok := q.options.structuralSharingEnabled(); ok && !opts.Manual {
		shared = share(q.state.Data, next)
	}

	q.state.Data = shared
	q.state.Status = StatusSuccess
	q.state.DataUpdateCount++
	if opts.UpdatedAt != nil {
		q.state.DataUpdatedAt = *opts.UpdatedAt
	} else {
		q.state.DataUpdatedAt = now()
	}
	q.state.IsInvalidated = false
	q.state.FetchFailureCount = 0
	q.state.FetchFailureReason = nil
	result := q.state.Data
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionSuccess})
	q.notifyObservers()
	return result
}

// now is a package variable so a test can substitute another clock (such
// as internal/test.ManualClock.Now); it defaults to the wall clock.
var now = time.Now

// snapshot captures the fields needed to revert a cancelled fetch.
func (q *Query) snapshotLocked() QueryState {
	return q.state
}

// Fetch starts (or joins) an in-flight fetch for this Query, per spec.md
// §4.2: "returns the in-flight promise if one exists; otherwise starts a
// new retryer". fetchOpts.CancelRefetch (default true) cancels any active
// fetch before starting a new one when the Query already has data.
func (q *Query) Fetch(ctx context.Context, fetchOpts FetchOptions) (interface{}, error) {
	q.mu.Lock()
	if q.retryer != nil {
		if fetchOpts.cancelRefetch() && q.hasDataLocked() {
			existing := q.retryer
			preErr := q.state.Error
			q.mu.Unlock()
			existing.Cancel(CancelOptions{Revert: true, Silent: true}, preErr)
			<-existing.Promise()
			q.mu.Lock()
		} else {
			existing := q.retryer
			q.mu.Unlock()
			return existing.Wait(ctx)
		}
	}

	if q.options.QueryFn == nil {
		q.mu.Unlock()
		return nil, errors.New("qcache: query has no QueryFn configured")
	}

	pre := q.snapshotLocked()
	q.preFetchState = &pre
	q.state.FetchStatus = FetchFetching
	q.state.FetchMeta = fetchOpts.Meta
	q.abortConsumed = false
	opts := q.options
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionFetch})
	q.notifyObservers()

	retryer := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			return opts.QueryFn(q.markAbortContext(ctx), fetchOpts.Meta)
		},
		OnFail: func(failureCount int, err error) {
			q.dispatchFailed(failureCount, err)
		},
		OnPause: func() {
			q.dispatchFetchStatus(FetchPaused)
		},
		OnContinue: func() {
			q.dispatchFetchStatus(FetchFetching)
		},
		OnSuccess: func(data interface{}) {
			q.dispatchSuccess(data)
		},
		OnError: func(err error) {
			q.dispatchError(err)
		},
		Retry:       opts.Retry,
		RetryDelay:  opts.RetryDelay,
		NetworkMode: opts.NetworkMode,
		Event:       q.event,
	}).Start()

	q.mu.Lock()
	q.retryer = retryer
	q.mu.Unlock()

	data, err := retryer.Wait(ctx)

	q.mu.Lock()
	if q.retryer == retryer {
		q.retryer = nil
	}
	q.mu.Unlock()

	return data, err
}

func (q *Query) hasDataLocked() bool {
	return q.state.Status == StatusSuccess
}

// markAbortContext wires ctx with the capability ConsumeAbortSignal looks
// for, so a QueryFn invocation that calls it flips q.abortConsumed.
func (q *Query) markAbortContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, abortSignalKey, func() {
		q.mu.Lock()
		q.abortConsumed = true
		q.mu.Unlock()
	})
}

// Cancel aborts any in-flight fetch. revert=true (the typical
// QueryClient.cancelQueries default) restores the pre-fetch state
// snapshot (spec.md §4.2/§5).
func (q *Query) Cancel(opts CancelOptions) {
	q.mu.Lock()
	retryer := q.retryer
	preErr := q.state.Error
	if retryer == nil {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	retryer.Cancel(opts, preErr)
	<-retryer.Promise()

	if opts.Revert {
		q.mu.Lock()
		if q.preFetchState != nil {
			q.state = *q.preFetchState
		}
		q.state.FetchStatus = FetchIdle
		q.mu.Unlock()
		if !opts.Silent {
			q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionSetState})
			q.notifyObservers()
		}
	}
}

func (q *Query) dispatchFetchStatus(fs FetchStatus) {
	q.mu.Lock()
	q.state.FetchStatus = fs
	q.mu.Unlock()
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionContinue})
	q.notifyObservers()
}

func (q *Query) dispatchFailed(failureCount int, err error) {
	q.mu.Lock()
	q.state.FetchFailureCount = failureCount
	q.state.FetchFailureReason = err
	q.mu.Unlock()
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionFailed})
	q.notifyObservers()
}

func (q *Query) dispatchSuccess(data interface{}) {
	q.mu.Lock()
	next := data
	if share, ok := q.options.structuralSharingEnabled(); ok {
		next = share(q.state.Data, data)
	}
	q.state.Data = next
	q.state.Status = StatusSuccess
	q.state.DataUpdateCount++
	q.state.DataUpdatedAt = now()
	q.state.Error = nil
	q.state.FetchFailureCount = 0
	q.state.FetchFailureReason = nil
	q.state.FetchStatus = FetchIdle
	q.state.IsInvalidated = false
	q.preFetchState = nil
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionSuccess})
	q.notifyObservers()
}

func (q *Query) dispatchError(err error) {
	q.mu.Lock()
	q.state.Error = err
	q.state.Status = StatusError
	q.state.ErrorUpdateCount++
	q.state.ErrorUpdatedAt = now()
	q.state.FetchStatus = FetchIdle
	q.preFetchState = nil
	q.mu.Unlock()

	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: ActionError})
	q.notifyObservers()
}

// notifyObservers asks the NotifyManager to recompute and, if warranted,
// notify every registered observer of this Query's new state.
func (q *Query) notifyObservers() {
	q.cache.notifyManager().ScheduleKeyed("query:"+q.hash, func() {
		q.forEachObserver(func(o *QueryObserver) {
			o.onQueryUpdate()
		})
	})
}
