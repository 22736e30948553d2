// Package persist implements the dehydrate/hydrate snapshot boundary
// (spec.md §6): extracting a serializable snapshot of a QueryClient's
// cacheable state and restoring it into a (possibly different) process.
// It is grounded on the teacher's renderer.go FileRenderer: an atomic,
// permission-preserving file write used here to persist a snapshot rather
// than a rendered template.
package persist

import (
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pkg/errors"
	"github.com/qcache/qcache"
)

// DehydratedQuery is the serializable snapshot of one Query, per spec.md
// §6. Errors are flattened to their message text since error values do not
// round-trip through YAML.
type DehydratedQuery struct {
	QueryHash         string                 `yaml:"queryHash"`
	QueryKey          []interface{}          `yaml:"queryKey"`
	Data              interface{}            `yaml:"data"`
	DataUpdateCount   int                    `yaml:"dataUpdateCount"`
	DataUpdatedAt     time.Time              `yaml:"dataUpdatedAt"`
	ErrorMessage      string                 `yaml:"errorMessage,omitempty"`
	ErrorUpdateCount  int                    `yaml:"errorUpdateCount"`
	ErrorUpdatedAt    time.Time              `yaml:"errorUpdatedAt"`
	FetchFailureCount int                    `yaml:"fetchFailureCount"`
	FetchMeta         map[string]interface{} `yaml:"fetchMeta,omitempty"`
	IsInvalidated     bool                   `yaml:"isInvalidated"`
	Status            string                 `yaml:"status"`
}

// DehydratedMutation is the serializable snapshot of one paused Mutation.
// Dehydrate records these; Hydrate does not restore them into a client.
type DehydratedMutation struct {
	MutationKey []interface{} `yaml:"mutationKey,omitempty"`
	Variables   interface{}   `yaml:"variables"`
	Status      string        `yaml:"status"`
}

// Snapshot is the full dehydrated state of a QueryClient, per spec.md §6.
type Snapshot struct {
	Queries   []DehydratedQuery     `yaml:"queries"`
	Mutations []DehydratedMutation  `yaml:"mutations"`
}

// DehydrateOptions filters what Dehydrate includes, per spec.md §6.
type DehydrateOptions struct {
	// ShouldDehydrateQuery defaults to including every successful, non-
	// errored Query.
	ShouldDehydrateQuery func(*qcache.Query) bool
	// ShouldDehydrateMutation defaults to including only paused mutations.
	ShouldDehydrateMutation func(*qcache.Mutation) bool
}

func defaultShouldDehydrateQuery(q *qcache.Query) bool {
	return q.State().Status == qcache.StatusSuccess
}

func defaultShouldDehydrateMutation(m *qcache.Mutation) bool {
	return m.IsPaused()
}

// Dehydrate extracts a Snapshot from client's current cache contents, per
// spec.md §6.
func Dehydrate(client *qcache.QueryClient, opts DehydrateOptions) *Snapshot {
	shouldQuery := opts.ShouldDehydrateQuery
	if shouldQuery == nil {
		shouldQuery = defaultShouldDehydrateQuery
	}
	shouldMutation := opts.ShouldDehydrateMutation
	if shouldMutation == nil {
		shouldMutation = defaultShouldDehydrateMutation
	}

	snap := &Snapshot{}
	for _, q := range client.QueryCache().GetAll() {
		if !shouldQuery(q) {
			continue
		}
		st := q.State()
		dq := DehydratedQuery{
			QueryHash:         q.Hash(),
			QueryKey:          []interface{}(q.Key()),
			Data:              st.Data,
			DataUpdateCount:   st.DataUpdateCount,
			DataUpdatedAt:     st.DataUpdatedAt,
			ErrorUpdateCount:  st.ErrorUpdateCount,
			ErrorUpdatedAt:    st.ErrorUpdatedAt,
			FetchFailureCount: st.FetchFailureCount,
			FetchMeta:         st.FetchMeta,
			IsInvalidated:     st.IsInvalidated,
			Status:            string(st.Status),
		}
		if st.Error != nil {
			dq.ErrorMessage = st.Error.Error()
		}
		snap.Queries = append(snap.Queries, dq)
	}

	for _, m := range client.MutationCache().FindAll(qcache.MutationFilters{}) {
		if !shouldMutation(m) {
			continue
		}
		st := m.State()
		snap.Mutations = append(snap.Mutations, DehydratedMutation{
			Variables: st.Variables,
			Status:    string(st.Status),
		})
	}

	return snap
}

// Hydrate merges snap into client's cache: every dehydrated Query is
// seeded via SetQueryData so observers built after Hydrate see the restored
// data immediately, per spec.md §6. Existing data for the same key is
// overwritten. snap.Mutations are not restored.
func Hydrate(client *qcache.QueryClient, snap *Snapshot) error {
	if snap == nil {
		return errors.New("persist: nil snapshot")
	}
	for _, dq := range snap.Queries {
		key := qcache.QueryKey(dq.QueryKey)
		client.SetQueryData(key, func(interface{}) interface{} {
			return dq.Data
		})
	}
	return nil
}

// Marshal renders snap as YAML (gopkg.in/yaml.v2).
func Marshal(snap *Snapshot) ([]byte, error) {
	out, err := yaml.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "persist: marshal snapshot")
	}
	return out, nil
}

// Unmarshal parses YAML produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "persist: unmarshal snapshot")
	}
	return &snap, nil
}
