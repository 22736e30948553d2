package persist_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcache/qcache"
	"github.com/qcache/qcache/persist"
)

func TestDehydrateIncludesOnlySuccessfulQueries(t *testing.T) {
	t.Parallel()

	client := qcache.NewQueryClient(qcache.QueryClientConfig{})
	q := client.QueryCache().Build(qcache.QueryOptions{
		QueryKey: qcache.QueryKey{"todos"},
		QueryFn: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return "v", nil
		},
	}, nil)
	_, err := q.Fetch(context.Background(), qcache.FetchOptions{})
	require.NoError(t, err)

	client.QueryCache().Build(qcache.QueryOptions{QueryKey: qcache.QueryKey{"never-fetched"}}, nil)

	snap := persist.Dehydrate(client, persist.DehydrateOptions{})
	require.Len(t, snap.Queries, 1)
	assert.Equal(t, "v", snap.Queries[0].Data)
	assert.Equal(t, q.Hash(), snap.Queries[0].QueryHash)
}

func TestDehydrateIncludesOnlyPausedMutations(t *testing.T) {
	t.Parallel()

	client := qcache.NewQueryClient(qcache.QueryClientConfig{})
	m := client.MutationCache().Build(qcache.MutationOptions{
		MutationFn: func(context.Context, interface{}) (interface{}, error) { return "v", nil },
	}, nil)
	_, _ = client.MutationCache().Execute(context.Background(), m, "payload")

	snap := persist.Dehydrate(client, persist.DehydrateOptions{})
	assert.Empty(t, snap.Mutations, "a settled (non-paused) mutation must not be dehydrated")
}

func TestHydrateSeedsQueryData(t *testing.T) {
	t.Parallel()

	producer := qcache.NewQueryClient(qcache.QueryClientConfig{})
	q := producer.QueryCache().Build(qcache.QueryOptions{
		QueryKey: qcache.QueryKey{"todos"},
		QueryFn: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return "v", nil
		},
	}, nil)
	_, err := q.Fetch(context.Background(), qcache.FetchOptions{})
	require.NoError(t, err)

	snap := persist.Dehydrate(producer, persist.DehydrateOptions{})

	consumer := qcache.NewQueryClient(qcache.QueryClientConfig{})
	require.NoError(t, persist.Hydrate(consumer, snap))

	data, ok := consumer.GetQueryData(qcache.QueryKey{"todos"})
	require.True(t, ok)
	assert.Equal(t, "v", data)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	snap := &persist.Snapshot{
		Queries: []persist.DehydratedQuery{
			{QueryHash: "abc", QueryKey: []interface{}{"todos"}, Data: "v", Status: "success"},
		},
	}

	bytes, err := persist.Marshal(snap)
	require.NoError(t, err)

	parsed, err := persist.Unmarshal(bytes)
	require.NoError(t, err)
	require.Len(t, parsed.Queries, 1)
	assert.Equal(t, "abc", parsed.Queries[0].QueryHash)
	assert.Equal(t, "v", parsed.Queries[0].Data)
}

func TestHydrateRejectsNilSnapshot(t *testing.T) {
	t.Parallel()

	client := qcache.NewQueryClient(qcache.QueryClientConfig{})
	err := persist.Hydrate(client, nil)
	assert.Error(t, err)
}
