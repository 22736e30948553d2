package qcache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/qcache/qcache/internal/backoff"
	"github.com/qcache/qcache/internal/set"
)

// skipTokenType is the sentinel recognized as a QueryFn value that
// disables fetching without disabling the Query's registration, per
// spec.md §4.4/§6.
type skipTokenType struct{}

// SkipToken disables fetching for an observer while keeping its Query
// registered, as if enabled were false, without actually toggling Enabled.
var SkipToken = skipTokenType{}

// PlaceholderDataFn computes placeholder data from the previous
// observer's data/Query, per spec.md §4.4.
type PlaceholderDataFn func(previousData interface{}, previousQuery *Query) interface{}

// KeepPreviousData is the standard PlaceholderDataFn helper: it simply
// returns whatever data the previous Query/key held (spec.md §4.4/§6).
var KeepPreviousData PlaceholderDataFn = func(previousData interface{}, _ *Query) interface{} {
	return previousData
}

// SelectFn is a pure transform from raw Query data to presented data,
// per spec.md §4.4.
type SelectFn func(data interface{}) (interface{}, error)

// RefetchMode and friends model the bool|"always" fields spec.md §4.4
// documents for refetchOnMount/refetchOnWindowFocus/refetchOnReconnect.
type RefetchMode int

const (
	RefetchDefault RefetchMode = iota
	RefetchNever
	RefetchIfStale
	RefetchAlways
)

func refetchMode(v interface{}, defaultIfStale bool) RefetchMode {
	switch t := v.(type) {
	case nil:
		if defaultIfStale {
			return RefetchIfStale
		}
		return RefetchNever
	case bool:
		if t {
			return RefetchIfStale
		}
		return RefetchNever
	case string:
		if t == "always" {
			return RefetchAlways
		}
		return RefetchNever
	default:
		return RefetchNever
	}
}

// ObserverOptions configures one QueryObserver, per spec.md §4.4/§6.
type ObserverOptions struct {
	QueryKey       QueryKey
	QueryKeyHashFn func(QueryKey) string
	// QueryFn is either a QueryFn or the SkipToken sentinel.
	QueryFn interface{}

	StaleTime interface{}
	GcTime    time.Duration

	Retry       backoff.RetryPolicy
	RetryDelay  backoff.DelayFunc
	NetworkMode backoff.NetworkMode

	StructuralSharing interface{}

	InitialData          interface{}
	InitialDataUpdatedAt *time.Time

	Meta map[string]interface{}

	// Enabled defaults to true when nil.
	Enabled *bool
	Select  SelectFn
	// PlaceholderData is a literal value or a PlaceholderDataFn.
	PlaceholderData interface{}

	// RefetchOnMount/RefetchOnWindowFocus/RefetchOnReconnect are
	// bool|"always"; nil defaults to true (stale-only) for Mount/Focus/
	// Reconnect per spec.md §4.4.
	RefetchOnMount       interface{}
	RefetchOnWindowFocus interface{}
	RefetchOnReconnect   interface{}

	// RefetchInterval is a time.Duration, a func(*Query) time.Duration,
	// or nil to disable interval refetching.
	RefetchInterval             interface{}
	RefetchIntervalInBackground bool

	// NotifyOnChangeProps is nil (track accessed fields only), "all", a
	// []string, or a func() []string.
	NotifyOnChangeProps interface{}

	// Subscribed defaults to true when nil.
	Subscribed *bool

	// ThrowOnError is a bool or func(error) bool.
	ThrowOnError interface{}
}

func (o ObserverOptions) enabled() bool {
	if isSkipToken(o.QueryFn) {
		return false
	}
	if o.Enabled == nil {
		return true
	}
	return *o.Enabled
}

func (o ObserverOptions) subscribed() bool {
	if o.Subscribed == nil {
		return true
	}
	return *o.Subscribed
}

func isSkipToken(v interface{}) bool {
	_, ok := v.(skipTokenType)
	return ok
}

func (o ObserverOptions) resolvedQueryFn() QueryFn {
	if fn, ok := o.QueryFn.(QueryFn); ok {
		return fn
	}
	if fn, ok := o.QueryFn.(func(context.Context, map[string]interface{}) (interface{}, error)); ok {
		return fn
	}
	return nil
}

func (o ObserverOptions) toQueryOptions() QueryOptions {
	return QueryOptions{
		QueryKey:             o.QueryKey,
		QueryKeyHashFn:       o.QueryKeyHashFn,
		QueryFn:              o.resolvedQueryFn(),
		StaleTime:            o.StaleTime,
		GcTime:               o.GcTime,
		Retry:                o.Retry,
		RetryDelay:           o.RetryDelay,
		NetworkMode:          o.NetworkMode,
		StructuralSharing:    o.StructuralSharing,
		InitialData:          o.InitialData,
		InitialDataUpdatedAt: o.InitialDataUpdatedAt,
		Meta:                 o.Meta,
	}
}

func (o ObserverOptions) throwOnError(err error) bool {
	switch t := o.ThrowOnError.(type) {
	case nil:
		return false
	case bool:
		return t
	case func(error) bool:
		return t(err)
	default:
		return false
	}
}

// QueryObserverResult is the derived, observable result of one
// QueryObserver, per spec.md §4.4/§6.
type QueryObserverResult struct {
	Data               interface{}
	Error              error
	IsPending          bool
	IsLoading          bool
	IsFetching         bool
	IsError            bool
	IsSuccess          bool
	IsStale            bool
	IsPlaceholderData  bool
	FetchStatus        FetchStatus
	Status             Status
	FailureCount       int
	FailureReason      error
	DataUpdatedAt      time.Time
	ErrorUpdatedAt     time.Time
	ShouldThrow        bool
	// Promise is the channel for the currently in-flight fetch, stable
	// across repeated reads of the same ongoing fetch (spec.md §6).
	Promise <-chan struct{}
}

// QueryObserver is the per-subscriber view layer over a Query: it derives
// an observable result, tracks which result fields the consumer actually
// read, and decides when to trigger fetches, per spec.md §4.4. Grounded
// on the teacher's sets.go (the tracked-property set reuses
// internal/set.Ordered, adapted from depSet) and on resolver.go's
// run-until-complete loop for the overall "derive, notify, maybe
// re-fetch" shape.
type QueryObserver struct {
	Subscribable[QueryObserverResult]

	client *QueryClient

	mu           sync.Mutex
	options      ObserverOptions
	query        *Query
	queryObsID   int

	trackedProps *set.Ordered
	trackAll     bool

	previousQuery *Query
	previousData  interface{}

	lastResult     QueryObserverResult
	haveLastResult bool

	lastSelectFnPtr uintptr
	lastRawData     interface{}
	lastSelected    interface{}
	selectErr       error

	refetchTimer *time.Timer
	refetchStop  chan struct{}
}

// NewQueryObserver constructs an observer bound to client and opts. The
// underlying Query is built (or joined) immediately so Refetch/subscribe
// can be used right away even before Subscribe is called.
func NewQueryObserver(client *QueryClient, opts ObserverOptions) *QueryObserver {
	o := &QueryObserver{
		client:       client,
		options:      opts,
		trackedProps: set.NewOrdered(),
	}
	o.OnSubscribe = o.handleSubscribe
	o.OnUnsubscribe = o.handleUnsubscribe
	o.bindQuery()
	return o
}

func (o *QueryObserver) setQueryObserverID(id int) { o.queryObsID = id }
func (o *QueryObserver) queryObserverID() int      { return o.queryObsID }

// Enabled reports whether this observer currently wants to fetch.
func (o *QueryObserver) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options.enabled()
}

func (o *QueryObserver) bindQuery() {
	opts := o.options.toQueryOptions()
	q := o.client.queryCache.Build(opts, o.client.event("query"))
	o.mu.Lock()
	o.query = q
	o.mu.Unlock()
}

func (o *QueryObserver) handleSubscribe(first bool) {
	q := o.currentQuery()
	q.AddObserver(o)
	o.maybeFetchOnMount()
	o.armRefetchInterval()
}

func (o *QueryObserver) handleUnsubscribe(last bool) {
	q := o.currentQuery()
	q.RemoveObserver(o)
	o.disarmRefetchInterval()
}

func (o *QueryObserver) currentQuery() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// SetOptions updates the observer's options. If the resolved QueryKey
// changes, the observer is moved to the (possibly newly built) Query for
// that key, preserving the prior Query/data for placeholder purposes
// (spec.md §4.4 placeholderData "observer may retain the previous Query's
// data identity across keys"); while subscribed, the mount trigger then
// runs against the new Query. Toggling Subscribed on an unchanged key
// stops the refetch interval and, when turned back on with listeners
// present, starts a fresh one.
func (o *QueryObserver) SetOptions(opts ObserverOptions) {
	o.mu.Lock()
	prevOpts := o.options
	prevQuery := o.query
	o.mu.Unlock()

	prevHash := o.client.hashOpts(prevOpts.toQueryOptions())
	nextHash := o.client.hashOpts(opts.toQueryOptions())

	wasEnabled := prevOpts.enabled()

	o.mu.Lock()
	o.options = opts
	o.mu.Unlock()

	if nextHash != prevHash {
		newQuery := o.client.queryCache.Build(opts.toQueryOptions(), o.client.event("query"))
		subscribedBefore := prevQuery != nil && o.HasListeners()
		if subscribedBefore {
			prevQuery.RemoveObserver(o)
		}
		o.mu.Lock()
		o.previousQuery = prevQuery
		if prevQuery != nil {
			o.previousData = prevQuery.State().Data
		}
		o.query = newQuery
		o.mu.Unlock()
		if subscribedBefore {
			newQuery.AddObserver(o)
			o.maybeFetchOnMount()
		}
		o.disarmRefetchInterval()
		o.armRefetchInterval()
	} else {
		prevQuery.SetOptions(opts.toQueryOptions())
		if prevOpts.subscribed() != opts.subscribed() {
			o.disarmRefetchInterval()
			if o.HasListeners() {
				o.armRefetchInterval()
			}
		}
	}

	nowEnabled := opts.enabled()
	if !wasEnabled && nowEnabled {
		// enabled transition false->true is treated as a mount.
		o.maybeFetchOnMount()
	}

	o.onQueryUpdate()
}

// maybeFetchOnMount implements spec.md §4.4's mount trigger: fetch iff
// enabled AND (no data OR (isStale AND refetchOnMount != false));
// refetchOnMount == "always" forces a fetch regardless of staleness.
func (o *QueryObserver) maybeFetchOnMount() {
	o.mu.Lock()
	opts := o.options
	q := o.query
	o.mu.Unlock()

	if !opts.enabled() {
		return
	}

	mode := refetchMode(opts.RefetchOnMount, true)
	state := q.State()
	hasData := state.Status == StatusSuccess

	switch {
	case mode == RefetchAlways:
		go o.fetchAsync()
	case !hasData:
		go o.fetchAsync()
	case q.IsStale() && mode != RefetchNever:
		go o.fetchAsync()
	}
}

func (o *QueryObserver) onFocus() {
	o.mu.Lock()
	opts := o.options
	q := o.query
	o.mu.Unlock()

	if !opts.enabled() {
		return
	}
	mode := refetchMode(opts.RefetchOnWindowFocus, true)
	if mode == RefetchNever {
		return
	}
	if mode == RefetchAlways || q.IsStale() {
		go o.fetchAsync()
	}
}

func (o *QueryObserver) onOnline() {
	o.mu.Lock()
	opts := o.options
	q := o.query
	o.mu.Unlock()

	if !opts.enabled() {
		return
	}
	mode := refetchMode(opts.RefetchOnReconnect, true)
	if mode == RefetchNever {
		return
	}
	if mode == RefetchAlways || q.IsStale() {
		go o.fetchAsync()
	}
}

func (o *QueryObserver) fetchAsync() {
	_, _ = o.Refetch(context.Background(), FetchOptions{})
}

// Refetch triggers (or joins) a fetch on the underlying Query and returns
// once it settles, per spec.md §4.6's refetch(options?) -> Promise.
func (o *QueryObserver) Refetch(ctx context.Context, fetchOpts FetchOptions) (interface{}, error) {
	q := o.currentQuery()
	return q.Fetch(ctx, fetchOpts)
}

// onQueryUpdate recomputes the derived result and, unless suppressed by
// notifyOnChangeProps/tracked-props, notifies listeners.
func (o *QueryObserver) onQueryUpdate() {
	result := o.GetOptimisticResult()

	o.mu.Lock()
	prev := o.lastResult
	hadPrev := o.haveLastResult
	o.lastResult = result
	o.haveLastResult = true
	opts := o.options
	o.mu.Unlock()

	if !hadPrev || o.shouldNotify(prev, result, opts) {
		o.Emit(result)
	}
}

// shouldNotify implements spec.md §4.4's tracked-properties rule:
// suppress notification unless a tracked field changed, with
// notifyOnChangeProps overriding to "all", an explicit list, or a
// function returning a list.
func (o *QueryObserver) shouldNotify(prev, next QueryObserverResult, opts ObserverOptions) bool {
	var fields []string
	switch v := opts.NotifyOnChangeProps.(type) {
	case string:
		if v == "all" {
			return true
		}
	case []string:
		fields = v
	case func() []string:
		fields = v()
	}

	if fields == nil {
		if o.trackAll {
			return true
		}
		fields = o.trackedProps.List()
		if len(fields) == 0 {
			return true
		}
	}

	for _, f := range fields {
		if fieldChanged(prev, next, f) {
			return true
		}
	}
	return false
}

func fieldChanged(a, b QueryObserverResult, field string) bool {
	av := reflect.ValueOf(a).FieldByName(field)
	bv := reflect.ValueOf(b).FieldByName(field)
	if !av.IsValid() || !bv.IsValid() {
		return true
	}
	return !sameIdentity(av.Interface(), bv.Interface())
}

// TrackProp records that the consumer read field, so future notifications
// are suppressed unless that field changes (spec.md §4.4 "tracked
// properties"). Bindings call this from their result-property accessors;
// TrackAll opts an observer out of tracking (every field counts as read).
func (o *QueryObserver) TrackProp(field string) {
	o.trackedProps.Add(field)
}

// TrackAll marks every field as tracked, matching notifyOnChangeProps:
// "all" but scoped to this call site rather than the options layer.
func (o *QueryObserver) TrackAll() {
	o.mu.Lock()
	o.trackAll = true
	o.mu.Unlock()
}

// GetOptimisticResult computes the current derived result without
// recording it as "last" or emitting, per spec.md §4.4
// getOptimisticResult/createResult.
func (o *QueryObserver) GetOptimisticResult() QueryObserverResult {
	o.mu.Lock()
	q := o.query
	opts := o.options
	prevQuery := o.previousQuery
	prevData := o.previousData
	o.mu.Unlock()

	return o.createResult(q, opts, prevQuery, prevData)
}

func (o *QueryObserver) createResult(q *Query, opts ObserverOptions, prevQuery *Query, prevData interface{}) QueryObserverResult {
	state := q.State()

	data := state.Data
	isPlaceholder := false

	if state.Status != StatusSuccess && opts.PlaceholderData != nil {
		ph := resolvePlaceholder(opts.PlaceholderData, prevData, prevQuery)
		if ph != nil {
			data = ph
			isPlaceholder = true
		}
	}

	var selErr error
	if opts.Select != nil && data != nil {
		data, selErr = o.applySelect(opts.Select, data)
	}

	status := state.Status
	isError := status == StatusError
	if selErr != nil {
		isError = true
	}

	result := QueryObserverResult{
		Data:              data,
		Error:             state.Error,
		IsPending:         status == StatusPending,
		IsLoading:         status == StatusPending && state.FetchStatus == FetchFetching,
		IsFetching:        state.FetchStatus == FetchFetching || state.FetchStatus == FetchPaused,
		IsError:           isError,
		IsSuccess:         status == StatusSuccess && selErr == nil,
		IsStale:           q.IsStale(),
		IsPlaceholderData: isPlaceholder,
		FetchStatus:       state.FetchStatus,
		Status:            status,
		FailureCount:      state.FetchFailureCount,
		FailureReason:     state.FetchFailureReason,
		DataUpdatedAt:     state.DataUpdatedAt,
		ErrorUpdatedAt:    state.ErrorUpdatedAt,
	}
	if selErr != nil {
		result.Error = selErr
		result.Status = StatusError
	}
	result.ShouldThrow = result.Error != nil && opts.throwOnError(result.Error)

	q.mu.RLock()
	if q.retryer != nil {
		result.Promise = q.retryer.Promise()
	}
	q.mu.RUnlock()

	return result
}

// applySelect runs opts' select against data, memoizing by select
// function identity and raw-data identity so a throwing select is not
// re-run on unrelated renders (spec.md §4.4/§7 SelectFailure).
func (o *QueryObserver) applySelect(fn SelectFn, data interface{}) (interface{}, error) {
	fnPtr := reflect.ValueOf(fn).Pointer()

	o.mu.Lock()
	if o.lastSelectFnPtr == fnPtr && sameIdentity(o.lastRawData, data) {
		selected, selErr := o.lastSelected, o.selectErr
		o.mu.Unlock()
		return selected, selErr
	}
	o.mu.Unlock()

	selected, err := fn(data)

	o.mu.Lock()
	o.lastSelectFnPtr = fnPtr
	o.lastRawData = data
	o.lastSelected = selected
	o.selectErr = err
	o.mu.Unlock()

	return selected, err
}

func resolvePlaceholder(v interface{}, prevData interface{}, prevQuery *Query) interface{} {
	switch t := v.(type) {
	case PlaceholderDataFn:
		return t(prevData, prevQuery)
	case func(interface{}, *Query) interface{}:
		return t(prevData, prevQuery)
	default:
		return v
	}
}

// sameIdentity approximates the JS notion of "referentially identical"
// for Go values: pointer/slice/map/chan/func comparison by address,
// value-type comparison by deep equality.
func sameIdentity(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}
	switch av.Kind() {
	case reflect.Slice:
		if av.IsNil() || bv.IsNil() {
			return av.IsNil() == bv.IsNil()
		}
		return av.Pointer() == bv.Pointer() && av.Len() == bv.Len()
	case reflect.Map, reflect.Ptr, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return av.Pointer() == bv.Pointer()
	default:
		return reflect.DeepEqual(a, b)
	}
}

func (o *QueryObserver) armRefetchInterval() {
	o.mu.Lock()
	opts := o.options
	q := o.query
	o.mu.Unlock()

	if opts.RefetchInterval == nil || !opts.subscribed() {
		return
	}

	interval := resolveRefetchInterval(opts.RefetchInterval, q)
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	o.mu.Lock()
	o.refetchStop = stop
	o.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				o.mu.Lock()
				bg := o.options.RefetchIntervalInBackground
				subscribed := o.options.subscribed()
				o.mu.Unlock()
				if !subscribed {
					continue
				}
				if bg || Focus().IsFocused() {
					o.fetchAsync()
				}
			}
		}
	}()
}

func (o *QueryObserver) disarmRefetchInterval() {
	o.mu.Lock()
	stop := o.refetchStop
	o.refetchStop = nil
	o.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func resolveRefetchInterval(v interface{}, q *Query) time.Duration {
	switch t := v.(type) {
	case time.Duration:
		return t
	case func(*Query) time.Duration:
		return t(q)
	default:
		return 0
	}
}
