package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorValue(t *testing.T) {
	v := Vector{1, 2.5, -3}
	val, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,2.5,-3]", val)

	empty := Vector{}
	val, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestVectorScan(t *testing.T) {
	var v Vector
	require.NoError(t, v.Scan("[0.5, 1, -2.25]"))
	assert.Equal(t, Vector{0.5, 1, -2.25}, v)

	require.NoError(t, v.Scan([]byte("[1,2]")))
	assert.Equal(t, Vector{1, 2}, v)

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)

	assert.Error(t, v.Scan("[1,notanumber]"))
	assert.Error(t, v.Scan(42))
}

func TestVectorRoundTrip(t *testing.T) {
	in := Vector{0.123, -45.6, 789}
	val, err := in.Value()
	require.NoError(t, err)

	var out Vector
	require.NoError(t, out.Scan(val))
	assert.Equal(t, in, out)
}

func TestEmbeddingColumnFor(t *testing.T) {
	for dim, want := range map[int]string{
		768:  "embedding_768",
		1024: "embedding_1024",
		1536: "embedding_1536",
		3072: "embedding_3072",
	} {
		col, ok := EmbeddingColumnFor(dim)
		assert.True(t, ok)
		assert.Equal(t, want, col)
	}

	for _, dim := range []int{0, 5, 512, 2048} {
		_, ok := EmbeddingColumnFor(dim)
		assert.False(t, ok, "dimension %d must be unsupported", dim)
	}
}

func TestJSONMapValueAndScan(t *testing.T) {
	m := JSONMap{"source_id": "abc", "word_count": 12}
	val, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(val))
	assert.Equal(t, "abc", out["source_id"])
	assert.Equal(t, float64(12), out["word_count"])

	var nilMap JSONMap
	val, err = nilMap.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), val)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(nil))
	assert.NotNil(t, scanned)
	assert.Empty(t, scanned)
}
