package blockid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomProducesDistinctNonNullIds(t *testing.T) {
	a := Random()
	b := Random()

	assert.False(t, a.IsNull())
	assert.False(t, b.IsNull())
	assert.NotEqual(t, a, b)
}

func TestEqualAndLessAreConsistent(t *testing.T) {
	a := BlockId{1, 2, 3}
	b := BlockId{1, 2, 4}

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestBinaryRoundTrip(t *testing.T) {
	want := Random()

	buf := make([]byte, Size)
	want.ToBinary(buf)

	got, err := FromBinary(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFromBinaryRejectsWrongLength(t *testing.T) {
	_, err := FromBinary(make([]byte, Size-1))
	require.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	want := Random()

	got, err := FromString(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNullIsZeroValue(t *testing.T) {
	var id BlockId
	assert.True(t, id.IsNull())
	assert.Equal(t, Null, id)
}
