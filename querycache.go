package qcache

import (
	"sync"

	"github.com/hashicorp/go-bexpr"
	"github.com/qcache/qcache/events"
	"github.com/qcache/qcache/internal/keys"
)

// CacheEventType enumerates the cache events QueryCache/MutationCache fan
// out to subscribers, per spec.md §6.
type CacheEventType string

const (
	EventAdded                  CacheEventType = "added"
	EventRemoved                CacheEventType = "removed"
	EventUpdated                CacheEventType = "updated"
	EventObserverAdded          CacheEventType = "observerAdded"
	EventObserverRemoved        CacheEventType = "observerRemoved"
	EventObserverResultsUpdated CacheEventType = "observerResultsUpdated"
)

// Action tags the specific state-machine transition behind an "updated"
// event, per spec.md §4.2's reducer actions.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionFailed     Action = "failed"
	ActionFetch      Action = "fetch"
	ActionSuccess    Action = "success"
	ActionError      Action = "error"
	ActionInvalidate Action = "invalidate"
	ActionSetState   Action = "setState"
)

// CacheEvent is the payload delivered to QueryCache/MutationCache
// subscribers.
type CacheEvent struct {
	Type     CacheEventType
	Query    *Query
	Mutation *Mutation
	Action   Action
}

// QueryFilters selects a subset of a QueryCache's entries, per spec.md
// §4.3. Predicate and Expr are alternative ways of specifying an arbitrary
// match condition; if both are set, a Query must satisfy both.
type QueryFilters struct {
	QueryKey  QueryKey
	Exact     bool
	Predicate func(*Query) bool
	// Expr is a go-bexpr boolean expression evaluated against a
	// filterableQuery view of the Query (queryHash, status, fetchStatus,
	// isStale, meta). Lets operators filter ad hoc without a bespoke
	// grammar, e.g. FilterExpr(`Status == "error" and FetchFailureCount > 2`).
	Expr string

	Stale       *bool
	FetchStatus *FetchStatus
	Type        QueryFilterType
}

// QueryFilterType narrows QueryCache.FindAll to active/inactive queries,
// per spec.md §4.3.
type QueryFilterType string

const (
	FilterAll      QueryFilterType = "all"
	FilterActive   QueryFilterType = "active"
	FilterInactive QueryFilterType = "inactive"
)

// filterableQuery is the reflectable view go-bexpr evaluates expressions
// against.
type filterableQuery struct {
	QueryHash          string
	Status             string
	FetchStatus        string
	IsStale            bool
	IsActive           bool
	FetchFailureCount  int
	Meta               map[string]interface{}
}

func (q *Query) filterView() filterableQuery {
	st := q.State()
	return filterableQuery{
		QueryHash:         q.Hash(),
		Status:            string(st.Status),
		FetchStatus:       string(st.FetchStatus),
		IsStale:           q.IsStale(),
		IsActive:          q.IsActive(),
		FetchFailureCount: st.FetchFailureCount,
		Meta:              q.Meta(),
	}
}

// QueryCache is a keyed map of Queries, with deterministic hashing,
// filter/find/subscribe, per spec.md §4.3. Grounded directly on the
// teacher's watcher.go (a mutex-guarded map keyed by a dependency's
// string identity, with add/remove and an event channel) generalized from
// "one Consul/Vault dependency" to "one arbitrary keyed async read".
type QueryCache struct {
	Subscribable[CacheEvent]

	client *QueryClient

	mu      sync.RWMutex
	queries map[string]*Query

	hashFn func(QueryKey) string
}

func newQueryCache(client *QueryClient) *QueryCache {
	return &QueryCache{
		client:  client,
		queries: make(map[string]*Query),
		hashFn:  func(k QueryKey) string { return keys.Default([]interface{}(k)) },
	}
}

// NewQueryCache constructs a standalone QueryCache. Most callers obtain one
// via QueryClient instead.
func NewQueryCache() *QueryCache {
	return newQueryCache(nil)
}

func (c *QueryCache) notify(e CacheEvent) {
	c.Emit(e)
}

func (c *QueryCache) notifyManager() *NotifyManager {
	if c.client != nil {
		return c.client.notifyManager
	}
	return defaultNotifyManager
}

func (c *QueryCache) hashKey(opts QueryOptions) string {
	if opts.QueryKeyHashFn != nil {
		return opts.QueryKeyHashFn(opts.QueryKey)
	}
	return c.hashFn(opts.QueryKey)
}

// Build finds an existing Query by hash or creates one, per spec.md §4.3.
func (c *QueryCache) Build(opts QueryOptions, event events.EventHandler) *Query {
	hash := c.hashKey(opts)

	c.mu.Lock()
	if q, ok := c.queries[hash]; ok {
		c.mu.Unlock()
		return q
	}
	q := newQuery(c, hash, opts, event)
	c.queries[hash] = q
	c.mu.Unlock()

	c.notify(CacheEvent{Type: EventAdded, Query: q})
	return q
}

// Get returns the Query registered under hash, if any.
func (c *QueryCache) Get(hash string) (*Query, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[hash]
	return q, ok
}

// GetAll returns every Query currently in the cache.
func (c *QueryCache) GetAll() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		out = append(out, q)
	}
	return out
}

// Remove unconditionally removes q from the cache.
func (c *QueryCache) Remove(q *Query) {
	c.mu.Lock()
	if _, ok := c.queries[q.hash]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.queries, q.hash)
	c.mu.Unlock()

	q.ClearGcTimeout()
	c.notify(CacheEvent{Type: EventRemoved, Query: q})
}

// removeIfEligible removes q only if it still has zero observers, called
// when its gc timer fires (a new observer may have subscribed since).
func (c *QueryCache) removeIfEligible(q *Query) {
	if q.ObserverCount() > 0 {
		return
	}
	q.event(events.GarbageCollected{ID: q.hash})
	c.Remove(q)
}

// Clear removes every Query from the cache.
func (c *QueryCache) Clear() {
	for _, q := range c.GetAll() {
		c.Remove(q)
	}
}

// Find returns the first Query matching f, if any.
func (c *QueryCache) Find(f QueryFilters) (*Query, bool) {
	for _, q := range c.FindAll(f) {
		return q, true
	}
	return nil, false
}

// FindAll returns every Query matching f, per spec.md §4.3.
func (c *QueryCache) FindAll(f QueryFilters) []*Query {
	var compiled *bexpr.Evaluator
	if f.Expr != "" {
		ev, err := bexpr.CreateEvaluator(f.Expr)
		if err == nil {
			compiled = ev
		}
	}

	var out []*Query
	for _, q := range c.GetAll() {
		if !matchesFilters(q, f, compiled) {
			continue
		}
		out = append(out, q)
	}
	return out
}

func matchesFilters(q *Query, f QueryFilters, compiled *bexpr.Evaluator) bool {
	if f.QueryKey != nil {
		hash := keys.Default([]interface{}(f.QueryKey))
		if f.Exact {
			if q.Hash() != hash {
				return false
			}
		} else {
			if !keyContains(q.Key(), f.QueryKey) {
				return false
			}
		}
	}

	switch f.Type {
	case FilterActive:
		if !q.IsActive() {
			return false
		}
	case FilterInactive:
		if q.IsActive() {
			return false
		}
	}

	if f.Stale != nil && q.IsStale() != *f.Stale {
		return false
	}
	if f.FetchStatus != nil && q.State().FetchStatus != *f.FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	if compiled != nil {
		match, err := compiled.Evaluate(q.filterView())
		if err != nil || !match {
			return false
		}
	}
	return true
}

// keyContains reports whether prefix is a (non-exact) partial match of
// key: every element of prefix equals the corresponding element of key.
func keyContains(key, prefix QueryKey) bool {
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

// OnFocus walks every Query and refetches those whose observers' trigger
// policy says to (spec.md §4.3/§4.4).
func (c *QueryCache) OnFocus() {
	for _, q := range c.GetAll() {
		q.forEachObserver(func(o *QueryObserver) {
			o.onFocus()
		})
	}
}

// OnOnline walks every Query, first continuing any paused retryer, then
// refetching those whose observers' trigger policy says to. Resuming
// paused retries before the reconnect-refetch sweep matches spec.md §5's
// ordering guarantee.
func (c *QueryCache) OnOnline() {
	for _, q := range c.GetAll() {
		q.mu.RLock()
		retryer := q.retryer
		q.mu.RUnlock()
		if retryer != nil && retryer.IsPaused() {
			retryer.Continue()
		}
	}
	for _, q := range c.GetAll() {
		q.forEachObserver(func(o *QueryObserver) {
			o.onOnline()
		})
	}
}
