package qcache

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qcache/qcache/events"
)

// MutationFilters selects a subset of a MutationCache's entries, per
// spec.md §4.5.
type MutationFilters struct {
	MutationKey []interface{}
	Exact       bool
	Predicate   func(*Mutation) bool
	Status      *MutationStatus
}

// MutationCache holds every Mutation built against one QueryClient, and
// serializes execution per scope: mutations sharing a MutationScope.ID run
// strictly FIFO, mutations in different scopes (or unscoped) run
// concurrently, per spec.md §4.5/§5. Grounded on the teacher's watcher.go
// (a mutex-guarded registry with an add/remove lifecycle) combined with
// resolver.go's run-goroutines-to-completion idiom, generalized here to
// per-scope FIFO lanes via golang.org/x/sync/errgroup.
type MutationCache struct {
	Subscribable[CacheEvent]

	client *QueryClient

	mu        sync.RWMutex
	mutations []*Mutation
	nextID    int

	lanes map[string]*scopeLane
}

// scopeLane is a single FIFO worker for one MutationScope.ID: executions
// submitted to the same lane run strictly one at a time, in submission
// order.
type scopeLane struct {
	mu   sync.Mutex
	jobs chan func()
	once sync.Once
}

func newScopeLane() *scopeLane {
	l := &scopeLane{jobs: make(chan func(), 64)}
	go l.drain()
	return l
}

func (l *scopeLane) drain() {
	for job := range l.jobs {
		job()
	}
}

func (l *scopeLane) submit(job func(), done chan<- struct{}) {
	l.jobs <- func() {
		job()
		close(done)
	}
}

func newMutationCache(client *QueryClient) *MutationCache {
	return &MutationCache{
		client: client,
		lanes:  make(map[string]*scopeLane),
	}
}

// NewMutationCache constructs a standalone MutationCache. Most callers
// obtain one via QueryClient instead.
func NewMutationCache() *MutationCache {
	return newMutationCache(nil)
}

func (c *MutationCache) notify(e CacheEvent) {
	c.Emit(e)
}

// Build registers a new Mutation for opts (mutations are never deduplicated
// by key the way Queries are; every Build call is a distinct execution
// slot, per spec.md §4.5).
func (c *MutationCache) Build(opts MutationOptions, event events.EventHandler) *Mutation {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	m := newMutation(c, id, opts, event)
	c.mutations = append(c.mutations, m)
	c.mu.Unlock()

	c.notify(CacheEvent{Type: EventAdded, Mutation: m})
	return m
}

// Remove unregisters m from the cache.
func (c *MutationCache) Remove(m *Mutation) {
	c.mu.Lock()
	for i, candidate := range c.mutations {
		if candidate == m {
			c.mutations = append(c.mutations[:i], c.mutations[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.notify(CacheEvent{Type: EventRemoved, Mutation: m})
}

// GetAll returns every Mutation currently tracked.
func (c *MutationCache) GetAll() []*Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Mutation, len(c.mutations))
	copy(out, c.mutations)
	return out
}

// Clear removes every Mutation from the cache.
func (c *MutationCache) Clear() {
	c.mu.Lock()
	c.mutations = nil
	c.mu.Unlock()
}

// FindAll returns every Mutation matching f.
func (c *MutationCache) FindAll(f MutationFilters) []*Mutation {
	c.mu.Lock()
	all := make([]*Mutation, len(c.mutations))
	copy(all, c.mutations)
	c.mu.Unlock()

	var out []*Mutation
	for _, m := range all {
		if f.Status != nil && m.State().Status != *f.Status {
			continue
		}
		if f.MutationKey != nil {
			mk := m.Options().MutationKey
			if !sliceHasPrefix(mk, f.MutationKey) || (f.Exact && len(mk) != len(f.MutationKey)) {
				continue
			}
		}
		if f.Predicate != nil && !f.Predicate(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *MutationCache) laneFor(scope *MutationScope) *scopeLane {
	if scope == nil || scope.ID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[scope.ID]
	if !ok {
		l = newScopeLane()
		c.lanes[scope.ID] = l
	}
	return l
}

// Execute runs m, routing it through its scope's FIFO lane if it has one,
// or directly otherwise. Mutations with no scope (or distinct scopes) run
// fully in parallel; spec.md §4.5/§5.
func (c *MutationCache) Execute(ctx context.Context, m *Mutation, variables interface{}) (interface{}, error) {
	lane := c.laneFor(m.Options().Scope)
	if lane == nil {
		return m.Execute(ctx, variables)
	}

	var data interface{}
	var err error
	done := make(chan struct{})
	lane.submit(func() {
		data, err = m.Execute(ctx, variables)
	}, done)

	select {
	case <-done:
		return data, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResumePausedMutations re-executes, in parallel across scopes (FIFO within
// each scope, via laneFor), every currently-paused Mutation with its last
// recorded variables, per spec.md §4.5/§6 ("on reconnect, resume paused
// mutations in original per-scope order"). The resumes share one
// errgroup context: the first error cancels that context for the
// remaining resumes and is the only error returned.
//
// Mutations sharing a scope are enqueued onto that scope's lane here, in
// submittedAt order, before any goroutine is spun up to await them — so
// FIFO ordering depends on enqueue order rather than on which goroutine
// happens to win the race to reach lane.submit first. Only the waiting
// (not the enqueuing) is parallelized across scopes.
func (c *MutationCache) ResumePausedMutations(ctx context.Context) error {
	paused := c.FindAll(MutationFilters{Predicate: func(m *Mutation) bool { return m.IsPaused() }})

	sort.SliceStable(paused, func(i, j int) bool {
		return paused[i].State().SubmittedAt.Before(paused[j].State().SubmittedAt)
	})

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range paused {
		m := m
		lane := c.laneFor(m.Options().Scope)
		if lane == nil {
			g.Go(func() error {
				_, err := m.resume(ctx)
				return err
			})
			continue
		}

		var err error
		done := make(chan struct{})
		lane.submit(func() { _, err = m.resume(ctx) }, done)

		g.Go(func() error {
			select {
			case <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
