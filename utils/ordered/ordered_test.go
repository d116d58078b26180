package ordered

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPreservesInsertionOrder(t *testing.T) {
	m := New()
	m.Set("c", 1)
	m.Set("a", 2)
	m.Set("b", 3)
	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())

	// replacing a key keeps its position
	m.Set("a", 99)
	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())
	assert.Equal(t, 99, m.Get("a"))
}

func TestMapDottedAccess(t *testing.T) {
	m := New()
	require.NoError(t, m.SetDotted("a.b.c", 42))
	value, ok := m.GetDotted("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 42, value)

	sub := m.GetMap("a")
	require.NotNil(t, sub)
	assert.True(t, sub.Has("b"))

	_, ok = m.GetDotted("a.b.missing")
	assert.False(t, ok)

	// assigning through a scalar is an error
	require.NoError(t, m.SetDotted("x", 1))
	assert.Error(t, m.SetDotted("x.y", 2))
}

func TestMapMerge(t *testing.T) {
	a := New()
	require.NoError(t, a.SetDotted("opts.backend.select", "native"))
	require.NoError(t, a.SetDotted("opts.log.level", "INFO"))

	b := New()
	require.NoError(t, b.SetDotted("opts.backend.select", "singularity"))
	require.NoError(t, b.SetDotted("opts.backend.slurm", true))

	a.Merge(b)
	value, _ := a.GetDotted("opts.backend.select")
	assert.Equal(t, "singularity", value)
	value, _ = a.GetDotted("opts.log.level")
	assert.Equal(t, "INFO", value)
	value, _ = a.GetDotted("opts.backend.slurm")
	assert.Equal(t, true, value)
}

func TestUnmarshalPreservesOrderAndTypes(t *testing.T) {
	data := []byte(`
zebra: 1
apple:
  nested: [a, b, 2]
mango: text
`)
	m, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"zebra", "apple", "mango"}, m.Keys())

	nested, ok := m.GetMap("apple").Lookup("nested")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b", 2}, nested)
}

func TestMarshalRoundTrip(t *testing.T) {
	data := []byte(`b: 1
a:
  y: two
  x: 3
c: [1, 2]
`)
	m, err := Unmarshal(data)
	require.NoError(t, err)
	out, err := Marshal(m)
	require.NoError(t, err)
	again, err := Unmarshal(out)
	require.NoError(t, err)
	assert.True(t, m.Equal(again), "load → dump → load must preserve mapping equality")
}

func TestCopyIsDeep(t *testing.T) {
	m := New()
	require.NoError(t, m.SetDotted("a.b", 1))
	clone := m.Copy()
	require.NoError(t, clone.SetDotted("a.b", 2))
	value, _ := m.GetDotted("a.b")
	assert.Equal(t, 1, value)
}
