package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	t.Parallel()

	s := NewStrings()
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Has("a"))
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.False(t, s.Has("a"))

	s.Add("x")
	s.Add("y")
	m := s.Map()
	assert.Len(t, m, 2)

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestOrderedPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	s := NewOrdered()
	assert.True(t, s.Add("data"))
	assert.True(t, s.Add("isStale"))
	assert.False(t, s.Add("data"))

	assert.Equal(t, []string{"data", "isStale"}, s.List())
	assert.True(t, s.Has("data"))
	assert.False(t, s.Has("status"))

	s.Reset()
	assert.Empty(t, s.List())
}
