package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsStableAcrossMapOrder(t *testing.T) {
	t.Parallel()

	a := Default([]interface{}{"todos", map[string]interface{}{"status": "done", "page": 1}})
	b := Default([]interface{}{"todos", map[string]interface{}{"page": 1, "status": "done"}})
	assert.Equal(t, a, b)
}

func TestDefaultDiffersOnDifferentValues(t *testing.T) {
	t.Parallel()

	a := Default([]interface{}{"todos", 1})
	b := Default([]interface{}{"todos", 2})
	assert.NotEqual(t, a, b)
}

func TestStringifyIsHumanReadable(t *testing.T) {
	t.Parallel()

	s := Stringify([]interface{}{"todos", map[string]interface{}{"id": 1}})
	assert.Equal(t, `["todos",{"id":1}]`, s)
}

func TestStringifySortsStructFields(t *testing.T) {
	t.Parallel()

	type filter struct {
		Status string
		Page   int
	}
	s := Stringify([]interface{}{filter{Status: "done", Page: 2}})
	assert.Equal(t, `[{"Page":2,"Status":"done"}]`, s)
}
