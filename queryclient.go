package qcache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/imdario/mergo"

	"github.com/qcache/qcache/events"
	"github.com/qcache/qcache/internal/keys"
)

// FilterExpr is a convenience constructor for QueryFilters.Expr, matching
// the other examples' style of small constructor helpers for options
// structs (e.g. backoff.UpTo/When).
func FilterExpr(expr string) QueryFilters {
	return QueryFilters{Expr: expr}
}

// DefaultOptions are the client-wide fallback QueryOptions/ObserverOptions
// and MutationOptions, the lowest-priority layer of the three-layer merge
// documented in spec.md §3 "options".
type DefaultOptions struct {
	Queries   ObserverOptions
	Mutations MutationOptions
}

type queryKeyDefault struct {
	prefix  QueryKey
	options ObserverOptions
}

type mutationKeyDefault struct {
	prefix  []interface{}
	options MutationOptions
}

// QueryClientConfig configures a QueryClient.
type QueryClientConfig struct {
	DefaultOptions DefaultOptions
	QueryCache     *QueryCache
	MutationCache  *MutationCache
	Logger         hclog.Logger
}

// QueryClient is the top-level facade over one QueryCache/MutationCache
// pair: it resolves layered options, exposes the imperative
// fetch/prefetch/invalidate operations of spec.md §4.6, and owns the
// client-scoped NotifyManager every Query/Mutation built through it
// shares. Grounded on the teacher's Runner/WatcherConfig-style top-level
// object that wires a Watcher, a Cache, and a set of named dependencies
// together behind one configuration struct.
type QueryClient struct {
	queryCache    *QueryCache
	mutationCache *MutationCache
	notifyManager *NotifyManager
	logger        hclog.Logger

	mu              sync.RWMutex
	defaultOptions  DefaultOptions
	queryDefaults   []queryKeyDefault
	mutationDefaults []mutationKeyDefault

	mounted bool
	unmount func()
}

// NewQueryClient constructs a QueryClient from cfg, building a QueryCache/
// MutationCache if cfg didn't supply one.
func NewQueryClient(cfg QueryClientConfig) *QueryClient {
	c := &QueryClient{
		notifyManager:  NewNotifyManager(),
		logger:         cfg.Logger,
		defaultOptions: cfg.DefaultOptions,
	}
	if c.logger == nil {
		c.logger = hclog.Default().Named("qcache")
	}
	if cfg.QueryCache != nil {
		c.queryCache = cfg.QueryCache
		c.queryCache.client = c
	} else {
		c.queryCache = newQueryCache(c)
	}
	if cfg.MutationCache != nil {
		c.mutationCache = cfg.MutationCache
		c.mutationCache.client = c
	} else {
		c.mutationCache = newMutationCache(c)
	}
	return c
}

// QueryCache returns the client's QueryCache.
func (c *QueryClient) QueryCache() *QueryCache { return c.queryCache }

// MutationCache returns the client's MutationCache.
func (c *QueryClient) MutationCache() *MutationCache { return c.mutationCache }

// Logger returns the client's structured logger, named by component for
// callers that want a child logger (`client.Logger().Named("mymodule")`).
func (c *QueryClient) Logger() hclog.Logger { return c.logger }

func (c *QueryClient) event(component string) events.EventHandler {
	logger := c.logger.Named(component)
	return func(e events.Event) {
		switch ev := e.(type) {
		case events.FetchError:
			logger.Debug("fetch failed", "id", ev.ID, "error", ev.Error)
		case events.RetryAttempt:
			logger.Debug("retrying", "id", ev.ID, "attempt", ev.Attempt, "sleep", ev.Sleep)
		case events.MaxRetries:
			logger.Warn("retries exhausted", "id", ev.ID, "count", ev.Count)
		case events.Paused:
			logger.Debug("paused", "id", ev.ID)
		default:
			logger.Trace("event", "type", e)
		}
	}
}

// hashOpts hashes a QueryOptions' key using the client's configured (or
// default) hash function.
func (c *QueryClient) hashOpts(opts QueryOptions) string {
	return c.queryCache.hashKey(opts)
}

// resolveQueryOptions merges, in increasing priority order, the client's
// default query options, the longest matching queryDefaults prefix, and
// obs (the caller's explicit options), per spec.md §3 "options".
func (c *QueryClient) resolveQueryOptions(obs ObserverOptions) ObserverOptions {
	resolved := c.defaultOptions.Queries

	c.mu.RLock()
	best := -1
	var bestOpts ObserverOptions
	for _, d := range c.queryDefaults {
		if keyContains(obs.QueryKey, d.prefix) && len(d.prefix) > best {
			best = len(d.prefix)
			bestOpts = d.options
		}
	}
	c.mu.RUnlock()

	if best >= 0 {
		mergeObserverOptions(&resolved, bestOpts)
	}
	mergeObserverOptions(&resolved, obs)
	return resolved
}

// mergeObserverOptions deep-merges src's non-zero fields over dst using
// mergo.WithOverride, matching the teacher's own layered-config merge
// idiom (see tfunc/maps.go's mergo-backed "mergeMaps").
func mergeObserverOptions(dst *ObserverOptions, src ObserverOptions) {
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		*dst = src
	}
}

func mergeMutationOptions(dst *MutationOptions, src MutationOptions) {
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		*dst = src
	}
}

// SetQueryDefaults registers per-key-prefix defaults, applied to any Query
// whose key has prefix as a (non-exact) prefix, longest-prefix-wins, per
// spec.md §4.6.
func (c *QueryClient) SetQueryDefaults(prefix QueryKey, opts ObserverOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.queryDefaults {
		if keys.Stringify(d.prefix) == keys.Stringify(prefix) {
			c.queryDefaults[i].options = opts
			return
		}
	}
	c.queryDefaults = append(c.queryDefaults, queryKeyDefault{prefix: prefix, options: opts})
}

// GetQueryDefaults returns the defaults registered for the longest prefix
// matching key, if any.
func (c *QueryClient) GetQueryDefaults(key QueryKey) (ObserverOptions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best := -1
	var out ObserverOptions
	for _, d := range c.queryDefaults {
		if keyContains(key, d.prefix) && len(d.prefix) > best {
			best = len(d.prefix)
			out = d.options
		}
	}
	return out, best >= 0
}

// SetMutationDefaults registers per-key-prefix mutation defaults, mirroring
// SetQueryDefaults.
func (c *QueryClient) SetMutationDefaults(prefix []interface{}, opts MutationOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.mutationDefaults {
		if keys.Stringify(d.prefix) == keys.Stringify(prefix) {
			c.mutationDefaults[i].options = opts
			return
		}
	}
	c.mutationDefaults = append(c.mutationDefaults, mutationKeyDefault{prefix: prefix, options: opts})
}

// FetchQuery builds (or joins) the Query for opts and waits for a result,
// per spec.md §4.6 fetchQuery: rejects on error rather than swallowing it.
// A Query that already holds data which is not stale is served from cache
// without calling its QueryFn.
func (c *QueryClient) FetchQuery(ctx context.Context, opts ObserverOptions) (interface{}, error) {
	resolved := c.resolveQueryOptions(opts)
	q := c.queryCache.Build(resolved.toQueryOptions(), c.event("query"))
	if q.State().Status == StatusSuccess && !q.IsStale() {
		return q.State().Data, nil
	}
	return q.Fetch(ctx, FetchOptions{})
}

// PrefetchQuery is FetchQuery with errors swallowed (logged instead), per
// spec.md §4.6 prefetchQuery's "fire and forget, populate the cache" intent.
func (c *QueryClient) PrefetchQuery(ctx context.Context, opts ObserverOptions) {
	if _, err := c.FetchQuery(ctx, opts); err != nil {
		c.logger.Debug("prefetch failed", "error", err)
	}
}

// EnsureQueryData returns the Query's current data if fresh, else fetches
// it, per spec.md §4.6 ensureQueryData.
func (c *QueryClient) EnsureQueryData(ctx context.Context, opts ObserverOptions) (interface{}, error) {
	resolved := c.resolveQueryOptions(opts)
	q := c.queryCache.Build(resolved.toQueryOptions(), c.event("query"))
	if q.State().Status == StatusSuccess && !q.IsStale() {
		return q.State().Data, nil
	}
	return q.Fetch(ctx, FetchOptions{})
}

// RevalidateIfStale refetches the Query for opts iff it is currently stale,
// per spec.md §4.6.
func (c *QueryClient) RevalidateIfStale(ctx context.Context, opts ObserverOptions) (interface{}, error) {
	resolved := c.resolveQueryOptions(opts)
	q := c.queryCache.Build(resolved.toQueryOptions(), c.event("query"))
	if !q.IsStale() {
		return q.State().Data, nil
	}
	return q.Fetch(ctx, FetchOptions{})
}

// InfinitePage is one page of an infinite query, per spec.md §4.6's
// page-walking contract.
type InfinitePage struct {
	Data   interface{}
	Param  interface{}
}

// InfiniteQueryOptions configures FetchInfiniteQuery/PrefetchInfiniteQuery.
type InfiniteQueryOptions struct {
	ObserverOptions
	InitialPageParam interface{}
	// QueryFn receives the page param instead of only ctx/meta; it is
	// invoked via ObserverOptions.QueryFn's underlying QueryFn signature
	// with the page param injected into FetchMeta["pageParam"].
	GetNextPageParam func(lastPage InfinitePage, allPages []InfinitePage) (interface{}, bool)
	MaxPages         int
}

// FetchInfiniteQuery walks pages starting at opts.InitialPageParam, calling
// opts.GetNextPageParam after each page to decide whether to continue, up
// to opts.MaxPages (0 means unbounded), per spec.md §1's infinite-query
// page-walking contract (the pagination/caching details beyond the walking
// contract itself are out of scope, per spec.md's Non-goals).
func (c *QueryClient) FetchInfiniteQuery(ctx context.Context, opts InfiniteQueryOptions) ([]InfinitePage, error) {
	resolved := c.resolveQueryOptions(opts.ObserverOptions)
	fn := resolved.resolvedQueryFn()
	if fn == nil {
		return nil, errNoQueryFn
	}

	var pages []InfinitePage
	param := opts.InitialPageParam
	for {
		data, err := fn(ctx, map[string]interface{}{"pageParam": param})
		if err != nil {
			return pages, err
		}
		page := InfinitePage{Data: data, Param: param}
		pages = append(pages, page)

		if opts.MaxPages > 0 && len(pages) >= opts.MaxPages {
			return pages, nil
		}
		if opts.GetNextPageParam == nil {
			return pages, nil
		}
		next, ok := opts.GetNextPageParam(page, pages)
		if !ok {
			return pages, nil
		}
		param = next
	}
}

// PrefetchInfiniteQuery is FetchInfiniteQuery with errors swallowed.
func (c *QueryClient) PrefetchInfiniteQuery(ctx context.Context, opts InfiniteQueryOptions) {
	if _, err := c.FetchInfiniteQuery(ctx, opts); err != nil {
		c.logger.Debug("infinite prefetch failed", "error", err)
	}
}

// SetQueryData writes data directly into the Query for key, as if it were
// a fetch result, per spec.md §4.6 setQueryData. A nil updater result
// leaves the Query untouched (matching the reference's "updater returning
// undefined is a no-op" at the client layer, unlike Query.SetData itself).
func (c *QueryClient) SetQueryData(key QueryKey, updater func(old interface{}) interface{}) interface{} {
	hash := keys.Default([]interface{}(key))
	q, ok := c.queryCache.Get(hash)
	var old interface{}
	if ok {
		old = q.State().Data
	}
	next := updater(old)
	if next == nil {
		return old
	}
	if !ok {
		q = c.queryCache.Build(QueryOptions{QueryKey: key}, c.event("query"))
	}
	q.SetData(func(interface{}) interface{} { return next }, SetDataOptions{})
	return next
}

// SetQueriesData applies updater to every Query matching f, per spec.md
// §4.6 setQueriesData.
func (c *QueryClient) SetQueriesData(f QueryFilters, updater func(old interface{}) interface{}) {
	for _, q := range c.queryCache.FindAll(f) {
		q.SetData(updater, SetDataOptions{})
	}
}

// GetQueryData returns the current data for key, if the Query exists.
func (c *QueryClient) GetQueryData(key QueryKey) (interface{}, bool) {
	hash := keys.Default([]interface{}(key))
	q, ok := c.queryCache.Get(hash)
	if !ok {
		return nil, false
	}
	return q.State().Data, true
}

// GetQueriesData returns the data for every Query matching f.
func (c *QueryClient) GetQueriesData(f QueryFilters) map[string]interface{} {
	out := make(map[string]interface{})
	for _, q := range c.queryCache.FindAll(f) {
		out[q.Hash()] = q.State().Data
	}
	return out
}

// GetQueryState returns the full state for key, if the Query exists.
func (c *QueryClient) GetQueryState(key QueryKey) (QueryState, bool) {
	hash := keys.Default([]interface{}(key))
	q, ok := c.queryCache.Get(hash)
	if !ok {
		return QueryState{}, false
	}
	return q.State(), true
}

// InvalidateQueries marks every Query matching f invalidated and, when
// refetch is true, refetches every matching Query whose staleTime is not
// Static, per spec.md §4.6.
func (c *QueryClient) InvalidateQueries(ctx context.Context, f QueryFilters, refetch bool) error {
	var err error
	c.notifyManager.Batch(func() {
		for _, q := range c.queryCache.FindAll(f) {
			q.Invalidate()
		}
	})
	if refetch {
		rf := f
		pred := f.Predicate
		rf.Predicate = func(q *Query) bool {
			if _, static := q.Options().resolveStaleTime(q); static {
				return false
			}
			return pred == nil || pred(q)
		}
		err = c.RefetchQueries(ctx, rf)
	}
	return err
}

// RefetchQueries refetches every Query matching f in parallel, joining on
// all of them and aggregating any errors, per spec.md §4.6/§5 "wait for
// all, collect every error if asked".
func (c *QueryClient) RefetchQueries(ctx context.Context, f QueryFilters) error {
	matches := c.queryCache.FindAll(f)

	var mu sync.Mutex
	var result *multierror.Error
	var wg sync.WaitGroup
	for _, q := range matches {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Fetch(ctx, FetchOptions{}); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// ResetQueries resets every Query matching f to its initial state, then,
// when refetch is true, refetches every matching Query.
func (c *QueryClient) ResetQueries(ctx context.Context, f QueryFilters, refetch bool) error {
	for _, q := range c.queryCache.FindAll(f) {
		q.Reset()
	}
	if refetch {
		return c.RefetchQueries(ctx, f)
	}
	return nil
}

// CancelQueries cancels, with revert, every in-flight fetch matching f.
func (c *QueryClient) CancelQueries(f QueryFilters) {
	for _, q := range c.queryCache.FindAll(f) {
		q.Cancel(CancelOptions{Revert: true})
	}
}

// Mutate builds and executes a one-shot Mutation from opts, routed through
// the MutationCache's scope serialization, per spec.md §4.5/§4.6.
func (c *QueryClient) Mutate(ctx context.Context, opts MutationOptions, variables interface{}) (interface{}, error) {
	resolved := c.resolveMutationOptions(opts)
	m := c.mutationCache.Build(resolved, c.event("mutation"))
	return c.mutationCache.Execute(ctx, m, variables)
}

func (c *QueryClient) resolveMutationOptions(opts MutationOptions) MutationOptions {
	resolved := c.defaultOptions.Mutations

	c.mu.RLock()
	best := -1
	var bestOpts MutationOptions
	for _, d := range c.mutationDefaults {
		if sliceHasPrefix(opts.MutationKey, d.prefix) && len(d.prefix) > best {
			best = len(d.prefix)
			bestOpts = d.options
		}
	}
	c.mu.RUnlock()

	if best >= 0 {
		mergeMutationOptions(&resolved, bestOpts)
	}
	mergeMutationOptions(&resolved, opts)
	return resolved
}

func sliceHasPrefix(key, prefix []interface{}) bool {
	if len(prefix) > len(key) {
		return false
	}
	for i, p := range prefix {
		if keys.Stringify([]interface{}{p}) != keys.Stringify([]interface{}{key[i]}) {
			return false
		}
	}
	return true
}

// ResumePausedMutations resumes every paused Mutation, per spec.md §4.6/§6.
func (c *QueryClient) ResumePausedMutations(ctx context.Context) error {
	return c.mutationCache.ResumePausedMutations(ctx)
}

// Mount installs the client's default online/focus listeners onto the
// process-wide OnlineManager/FocusManager so reconnect/refocus sweeps
// drive this client's caches, per spec.md §4.6 mount/unmount.
func (c *QueryClient) Mount() {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.mu.Unlock()

	unsubOnline := Online().Subscribe(func(online bool) {
		if online {
			c.queryCache.OnOnline()
			go func() {
				if err := c.ResumePausedMutations(context.Background()); err != nil {
					c.logger.Warn("resume paused mutations failed", "error", err)
				}
			}()
		}
	})
	unsubFocus := Focus().Subscribe(func(focused bool) {
		if focused {
			c.queryCache.OnFocus()
		}
	})

	c.unmount = func() {
		unsubOnline()
		unsubFocus()
	}
}

// Unmount reverses Mount.
func (c *QueryClient) Unmount() {
	c.mu.Lock()
	unmount := c.unmount
	c.mounted = false
	c.unmount = nil
	c.mu.Unlock()
	if unmount != nil {
		unmount()
	}
}

// Clear empties both the QueryCache and MutationCache.
func (c *QueryClient) Clear() {
	c.queryCache.Clear()
	c.mutationCache.Clear()
}

var errNoQueryFn = queryFnError("qcache: no QueryFn configured")

type queryFnError string

func (e queryFnError) Error() string { return string(e) }
