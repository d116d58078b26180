package basetypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURIScheme(t *testing.T) {
	scheme, path := URI("file:///data/x.ms").Scheme()
	assert.Equal(t, "file", scheme)
	assert.Equal(t, "/data/x.ms", path)

	scheme, path = URI("/plain/path").Scheme()
	assert.Equal(t, "file", scheme)
	assert.Equal(t, "/plain/path", path)

	scheme, _ = URI("s3://bucket/key").Scheme()
	assert.Equal(t, "s3", scheme)
}

func TestMarkers(t *testing.T) {
	assert.True(t, IsUnset(UNSET{Name: "x"}))
	assert.False(t, IsUnset("x"))
	assert.True(t, IsUnresolved(Unresolved{Value: "v"}))
	assert.False(t, IsUnresolved(UNSET{}))
	assert.Equal(t, "UNSET(x)", UNSET{Name: "x"}.String())
}

func TestExtractFileLikes(t *testing.T) {
	leaves := ExtractFileLikes("a.txt", "File", false)
	assert.Len(t, leaves, 1)
	assert.False(t, leaves[0].MustBeDir)

	leaves = ExtractFileLikes([]interface{}{"a.ms", "b.ms"}, "MS", true)
	assert.Len(t, leaves, 2)
	assert.True(t, leaves[0].MustBeDir)
	assert.True(t, leaves[0].Write)

	leaves = ExtractFileLikes(map[string]interface{}{"k": "dir"}, "Directory", false)
	assert.Len(t, leaves, 1)

	// non-file-like dtypes yield nothing
	leaves = ExtractFileLikes("text", "str", false)
	assert.Empty(t, leaves)

	// remote URIs are not local file leaves
	leaves = ExtractFileLikes(URI("s3://bucket/key"), "URI", false)
	assert.Empty(t, leaves)
}
