package qcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryClientFetchQueryAndEnsureQueryData(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls int
	opts := ObserverOptions{
		QueryKey: QueryKey{"todos"},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			calls++
			return "v", nil
		}),
	}

	data, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "v", data)
	assert.Equal(t, 1, calls)

	// EnsureQueryData should see fresh cached data and not refetch.
	data, err = client.EnsureQueryData(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "v", data)
	assert.Equal(t, 1, calls)
}

func TestQueryClientRevalidateIfStale(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls int
	opts := ObserverOptions{
		QueryKey:  QueryKey{"todos"},
		StaleTime: 5 * time.Millisecond,
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}),
	}

	_, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = client.RevalidateIfStale(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "not stale yet: must not refetch")

	time.Sleep(10 * time.Millisecond)
	data, err := client.RevalidateIfStale(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, data)
	assert.Equal(t, 2, calls)
}

func TestQueryClientSetAndGetQueryData(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	key := QueryKey{"todos"}

	result := client.SetQueryData(key, func(old interface{}) interface{} { return "seeded" })
	assert.Equal(t, "seeded", result)

	data, ok := client.GetQueryData(key)
	require.True(t, ok)
	assert.Equal(t, "seeded", data)

	st, ok := client.GetQueryState(key)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, st.Status)
}

func TestQueryClientSetQueryDataNilUpdaterIsNoop(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	key := QueryKey{"todos"}
	client.SetQueryData(key, func(interface{}) interface{} { return "first" })

	result := client.SetQueryData(key, func(old interface{}) interface{} { return nil })
	assert.Equal(t, "first", result)

	data, _ := client.GetQueryData(key)
	assert.Equal(t, "first", data)
}

func TestQueryClientInvalidateAndRefetchQueries(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls int
	opts := ObserverOptions{
		QueryKey: QueryKey{"todos"},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}),
	}
	_, err := client.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	err = client.InvalidateQueries(context.Background(), QueryFilters{QueryKey: QueryKey{"todos"}}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	st, _ := client.GetQueryState(QueryKey{"todos"})
	assert.False(t, st.IsInvalidated)
}

func TestQueryClientRefetchQueriesAggregatesErrors(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	client.queryCache.Build(QueryOptions{
		QueryKey: QueryKey{"a"},
		QueryFn: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, assert.AnError
		},
	}, nil)
	client.queryCache.Build(QueryOptions{
		QueryKey: QueryKey{"b"},
		QueryFn: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, assert.AnError
		},
	}, nil)

	err := client.RefetchQueries(context.Background(), QueryFilters{})
	require.Error(t, err)
}

func TestQueryClientResetQueries(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	key := QueryKey{"todos"}
	client.SetQueryData(key, func(interface{}) interface{} { return "v" })

	err := client.ResetQueries(context.Background(), QueryFilters{QueryKey: key, Exact: true}, false)
	require.NoError(t, err)

	st, ok := client.GetQueryState(key)
	require.True(t, ok)
	assert.Equal(t, StatusPending, st.Status)
}

func TestQueryClientFetchInfiniteQueryWalksPages(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	pages, err := client.FetchInfiniteQuery(context.Background(), InfiniteQueryOptions{
		ObserverOptions: ObserverOptions{
			QueryKey: QueryKey{"infinite-todos"},
			QueryFn: QueryFn(func(ctx context.Context, meta map[string]interface{}) (interface{}, error) {
				return meta["pageParam"], nil
			}),
		},
		InitialPageParam: 0,
		GetNextPageParam: func(last InfinitePage, all []InfinitePage) (interface{}, bool) {
			next := last.Param.(int) + 1
			if next > 2 {
				return nil, false
			}
			return next, true
		},
	})
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, 0, pages[0].Data)
	assert.Equal(t, 1, pages[1].Data)
	assert.Equal(t, 2, pages[2].Data)
}

func TestQueryClientFetchInfiniteQueryRespectsMaxPages(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	pages, err := client.FetchInfiniteQuery(context.Background(), InfiniteQueryOptions{
		ObserverOptions: ObserverOptions{
			QueryKey: QueryKey{"infinite-todos"},
			QueryFn: QueryFn(func(ctx context.Context, meta map[string]interface{}) (interface{}, error) {
				return meta["pageParam"], nil
			}),
		},
		InitialPageParam: 0,
		GetNextPageParam: func(last InfinitePage, all []InfinitePage) (interface{}, bool) {
			return last.Param.(int) + 1, true
		},
		MaxPages: 2,
	})
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestQueryClientSetQueryDefaultsLongestPrefixWins(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	client.SetQueryDefaults(QueryKey{"todos"}, ObserverOptions{StaleTime: time.Second})
	client.SetQueryDefaults(QueryKey{"todos", "detail"}, ObserverOptions{StaleTime: 10 * time.Second})

	resolved := client.resolveQueryOptions(ObserverOptions{QueryKey: QueryKey{"todos", "detail", 1}})
	assert.Equal(t, 10*time.Second, resolved.StaleTime)

	resolved = client.resolveQueryOptions(ObserverOptions{QueryKey: QueryKey{"todos", "list"}})
	assert.Equal(t, time.Second, resolved.StaleTime)
}

func TestQueryClientMountSubscribesToOnlineAndFocus(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls int
	obs := NewQueryObserver(client, ObserverOptions{
		QueryKey: QueryKey{"todos"},
		QueryFn: QueryFn(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}),
		RefetchOnWindowFocus: true,
	})
	unsub := obs.Subscribe(func(QueryObserverResult) {})
	defer unsub()

	assert.Eventually(t, func() bool { return calls >= 1 }, time.Second, time.Millisecond)

	client.Mount()
	defer client.Unmount()

	Focus().SetFocused(false)
	Focus().SetFocused(true)

	assert.Eventually(t, func() bool { return calls >= 2 }, time.Second, time.Millisecond,
		"mounting must wire the query cache to refocus sweeps")
}

func TestQueryClientMutateRunsThroughMutationCache(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	data, err := client.Mutate(context.Background(), MutationOptions{
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return variables, nil
		},
	}, "payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", data)
}
