package qcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcache/qcache/internal/backoff"
)

// TestScenarioRetryWithBackoff exercises scenario 1: a QueryFn that fails
// twice then succeeds, observed through a QueryObserver.
func TestScenarioRetryWithBackoff(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var attempts int
	obs := NewQueryObserver(client, ObserverOptions{
		QueryKey: QueryKey{"flaky"},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			attempts++
			if attempts <= 2 {
				return nil, assert.AnError
			}
			return "ok", nil
		}),
		Retry:      backoff.UpTo(2),
		RetryDelay: func(int, error) time.Duration { return 5 * time.Millisecond },
	})

	var results []QueryObserverResult
	unsub := obs.Subscribe(func(r QueryObserverResult) { results = append(results, r) })
	defer unsub()

	require.Eventually(t, func() bool {
		r := obs.GetOptimisticResult()
		return r.IsSuccess && r.Data == "ok"
	}, 2*time.Second, time.Millisecond)

	final := obs.GetOptimisticResult()
	assert.Equal(t, "ok", final.Data)
	assert.Equal(t, 0, final.FailureCount)
	assert.Nil(t, final.FailureReason)
	assert.Equal(t, 3, attempts, "retry=2 means at most 3 attempts")
}

// TestScenarioOfflinePauseAndResume exercises scenario 2: a mutation started
// while offline pauses instead of running, then resumes and settles once
// online again.
func TestScenarioOfflinePauseAndResume(t *testing.T) {
	t.Parallel()

	Online().SetOnline(false)
	defer Online().SetOnline(true)

	client := newTestClient()
	var calls int
	m := client.MutationCache().Build(MutationOptions{
		MutationFn: func(ctx context.Context, _ interface{}) (interface{}, error) {
			calls++
			return nil, assert.AnError
		},
		Retry:       backoff.UpTo(1),
		RetryDelay:  func(int, error) time.Duration { return 5 * time.Millisecond },
		NetworkMode: backoff.Online,
	}, nil)

	mutateDone := make(chan struct{})
	go func() {
		_, _ = client.MutationCache().Execute(context.Background(), m, "todo")
		close(mutateDone)
	}()

	require.Eventually(t, func() bool { return m.State().IsPaused }, time.Second, time.Millisecond)
	assert.Equal(t, MutationPending, m.State().Status)
	assert.Equal(t, 0, calls, "an OfflineFirst/Online-gated mutation must not invoke its function while offline")

	Online().SetOnline(true)
	require.ErrorIs(t, client.ResumePausedMutations(context.Background()), assert.AnError)
	<-mutateDone

	assert.Equal(t, MutationError, m.State().Status)
	assert.False(t, m.State().IsPaused)
	assert.Equal(t, 2, calls, "retry=1 means two total calls once resumed")
}

// TestScenarioPlaceholderWithKeepPreviousData exercises scenario 3: a key
// change with keepPreviousData shows the old page as placeholder until the
// new page resolves.
func TestScenarioPlaceholderWithKeepPreviousData(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	page := 0
	block := make(chan struct{})
	obs := NewQueryObserver(client, ObserverOptions{
		QueryKey: QueryKey{"k", page},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			if page == 1 {
				<-block
			}
			return page, nil
		}),
		PlaceholderData: KeepPreviousData,
	})

	unsub := obs.Subscribe(func(QueryObserverResult) {})
	defer unsub()

	require.Eventually(t, func() bool {
		r := obs.GetOptimisticResult()
		return r.IsSuccess && r.Data == 0 && !r.IsPlaceholderData
	}, time.Second, time.Millisecond)

	page = 1
	obs.SetOptions(ObserverOptions{
		QueryKey: QueryKey{"k", page},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			if page == 1 {
				<-block
			}
			return page, nil
		}),
		PlaceholderData: KeepPreviousData,
	})

	r := obs.GetOptimisticResult()
	assert.Equal(t, 0, r.Data)
	assert.True(t, r.IsPlaceholderData)
	assert.True(t, r.IsFetching)

	close(block)
	require.Eventually(t, func() bool {
		r := obs.GetOptimisticResult()
		return r.IsSuccess && r.Data == 1 && !r.IsPlaceholderData
	}, time.Second, time.Millisecond)
}

// TestScenarioStaticStaleTime exercises scenario 4: a 'static' staleTime
// query is fetched once, served from cache, and survives an
// invalidate-without-refetch.
func TestScenarioStaticStaleTime(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls int
	opts := ObserverOptions{
		QueryKey:  QueryKey{"config"},
		StaleTime: Static,
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			calls++
			return "v", nil
		}),
	}

	data1, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	data2, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, data1, data2)
	assert.Equal(t, 1, calls)

	require.NoError(t, client.InvalidateQueries(context.Background(), QueryFilters{QueryKey: QueryKey{"config"}, Exact: true}, false))

	data3, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "v", data3)
	assert.Equal(t, 1, calls, "a static staleTime query must never refetch due to invalidation")
}

// TestScenarioScopeSerializedMutations exercises scenario 5: mutations
// sharing a scope run strictly FIFO; without a scope they overlap.
func TestScenarioScopeSerializedMutations(t *testing.T) {
	t.Parallel()

	cache := NewMutationCache()
	scope := &MutationScope{ID: "s"}

	var events []string
	var mu sync.Mutex
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	m1 := cache.Build(MutationOptions{
		Scope: scope,
		MutationFn: func(ctx context.Context, _ interface{}) (interface{}, error) {
			record("1start")
			time.Sleep(30 * time.Millisecond)
			record("1end")
			return nil, nil
		},
	}, nil)
	m2 := cache.Build(MutationOptions{
		Scope: scope,
		MutationFn: func(ctx context.Context, _ interface{}) (interface{}, error) {
			record("2start")
			time.Sleep(10 * time.Millisecond)
			record("2end")
			return nil, nil
		},
	}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = cache.Execute(context.Background(), m1, nil) }()
	time.Sleep(2 * time.Millisecond)
	go func() { defer wg.Done(); _, _ = cache.Execute(context.Background(), m2, nil) }()
	wg.Wait()

	assert.Equal(t, []string{"1start", "1end", "2start", "2end"}, events,
		"scoped mutations must not temporally overlap")
}

// TestScenarioUnscopedMutationsOverlap is the "without scope" half of
// scenario 5: two unscoped mutations interleave instead of serializing.
func TestScenarioUnscopedMutationsOverlap(t *testing.T) {
	t.Parallel()

	cache := NewMutationCache()

	var events []string
	var mu sync.Mutex
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	m1 := cache.Build(MutationOptions{
		MutationFn: func(ctx context.Context, _ interface{}) (interface{}, error) {
			record("1start")
			time.Sleep(30 * time.Millisecond)
			record("1end")
			return nil, nil
		},
	}, nil)
	m2 := cache.Build(MutationOptions{
		MutationFn: func(ctx context.Context, _ interface{}) (interface{}, error) {
			record("2start")
			time.Sleep(10 * time.Millisecond)
			record("2end")
			return nil, nil
		},
	}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = cache.Execute(context.Background(), m1, nil) }()
	time.Sleep(2 * time.Millisecond)
	go func() { defer wg.Done(); _, _ = cache.Execute(context.Background(), m2, nil) }()
	wg.Wait()

	assert.Equal(t, []string{"1start", "2start", "2end", "1end"}, events,
		"unscoped mutations must run concurrently, with the shorter one finishing first")
}

// TestScenarioStructuralSharing exercises scenario 6: only the changed
// element of a returned slice loses referential identity. Using a slice of
// pointers makes this a genuine identity check (first[0] == second[0] by
// pointer), not merely a value-equality check a no-op Share would also
// pass.
func TestScenarioStructuralSharing(t *testing.T) {
	t.Parallel()

	type todo struct {
		ID   string
		Done bool
	}

	cache := NewQueryCache()
	q := cache.Build(QueryOptions{QueryKey: QueryKey{"todos"}}, nil)

	q.SetData(func(interface{}) interface{} {
		return []*todo{{"1", false}, {"2", false}}
	}, SetDataOptions{})
	first := q.State().Data.([]*todo)

	q.SetData(func(interface{}) interface{} {
		return []*todo{{"1", false}, {"2", true}}
	}, SetDataOptions{})
	second := q.State().Data.([]*todo)

	assert.True(t, first[0] == second[0], "an unchanged element must keep its exact pointer identity")
	assert.False(t, first[1] == second[1], "a changed element must not alias the previous pointer")
}
