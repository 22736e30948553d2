package structural

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	ID   int
	Name string
}

func TestShareReusesDeeplyEqualSubtrees(t *testing.T) {
	t.Parallel()

	prev := []item{{1, "a"}, {2, "b"}, {3, "c"}}
	next := []item{{1, "a"}, {2, "b"}, {3, "changed"}}

	shared := Share(prev, next).([]item)

	assert.Equal(t, next, shared)
	// unchanged elements keep their value-equality; only the changed
	// element actually differs from prev.
	assert.Equal(t, prev[0], shared[0])
	assert.Equal(t, prev[1], shared[1])
	assert.NotEqual(t, prev[2], shared[2])
}

func TestShareReturnsNextOnTypeMismatch(t *testing.T) {
	t.Parallel()

	got := Share("a string", 42)
	assert.Equal(t, 42, got)
}

func TestShareHandlesNilPointers(t *testing.T) {
	t.Parallel()

	var prev *item
	next := &item{ID: 1, Name: "a"}

	got := Share(prev, next)
	assert.Equal(t, next, got)
}

func TestShareOnIdenticalMapsPreservesEquality(t *testing.T) {
	t.Parallel()

	prev := map[string]int{"a": 1, "b": 2}
	next := map[string]int{"a": 1, "b": 2}

	got := Share(prev, next).(map[string]int)
	assert.Equal(t, next, got)
}

func TestShareOnSliceOfPointersPreservesPointerIdentity(t *testing.T) {
	t.Parallel()

	prev := []*item{{1, "a"}, {2, "b"}}
	next := []*item{{1, "a"}, {2, "changed"}}

	shared := Share(prev, next).([]*item)

	// The headline guarantee this package exists for: an unchanged element
	// keeps prev's own *item, not merely an equal-valued copy of it.
	assert.Same(t, prev[0], shared[0], "an unchanged element must keep prev's pointer identity")
	assert.NotSame(t, prev[1], shared[1], "a changed element must not alias prev's pointer")
	assert.Equal(t, next[1], shared[1])
}

func TestDeepEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, DeepEqual([]int{1, 2}, []int{1, 2}))
	assert.False(t, DeepEqual([]int{1, 2}, []int{1, 3}))
}
