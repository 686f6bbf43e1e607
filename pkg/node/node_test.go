package node

import (
	"testing"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	l, err := NewLayout(64)
	require.NoError(t, err)
	return l
}

func TestNewLeafZeroFillsRemainder(t *testing.T) {
	layout := testLayout(t)
	leaf, err := NewLeaf(layout, []byte("hello"))
	require.NoError(t, err)

	require.EqualValues(t, 5, leaf.NumBytes())
	rest := leaf.view.Payload()[5:]
	for _, b := range rest {
		require.Zero(t, b)
	}
}

func TestLeafReadWriteRoundTrip(t *testing.T) {
	layout := testLayout(t)
	leaf, err := NewLeaf(layout, make([]byte, layout.MaxBytesPerLeaf()))
	require.NoError(t, err)

	src := []byte("payload-bytes")
	require.NoError(t, leaf.Write(src, 10, uint32(len(src))))

	dst := make([]byte, len(src))
	require.NoError(t, leaf.Read(dst, 10, uint32(len(src))))
	require.Equal(t, src, dst)
}

func TestLeafResizeShrinkZeroesTail(t *testing.T) {
	layout := testLayout(t)
	leaf, err := NewLeaf(layout, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, leaf.Resize(4))
	require.EqualValues(t, 4, leaf.NumBytes())

	dst := make([]byte, 6)
	require.NoError(t, leaf.Resize(10))
	require.NoError(t, leaf.Read(dst, 4, 6))
	for _, b := range dst {
		require.Zero(t, b)
	}
}

func TestLeafReadOutOfBounds(t *testing.T) {
	layout := testLayout(t)
	leaf, err := NewLeaf(layout, []byte("abc"))
	require.NoError(t, err)

	err = leaf.Read(make([]byte, 10), 0, 10)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestInnerAddReadChildren(t *testing.T) {
	layout := testLayout(t)
	c0 := blockid.Random()
	inner, err := NewInner(layout, 1, []blockid.BlockId{c0})
	require.NoError(t, err)

	require.EqualValues(t, 1, inner.NumChildren())
	got, err := inner.ReadChild(0)
	require.NoError(t, err)
	require.Equal(t, c0, got)

	c1 := blockid.Random()
	require.NoError(t, inner.AddChild(c1, 0))
	require.EqualValues(t, 2, inner.NumChildren())

	last, err := inner.ReadLastChild()
	require.NoError(t, err)
	require.Equal(t, c1, last)
}

func TestInnerAddChildWrongDepthRejected(t *testing.T) {
	layout := testLayout(t)
	inner, err := NewInner(layout, 2, []blockid.BlockId{blockid.Random()})
	require.NoError(t, err)

	err = inner.AddChild(blockid.Random(), 0)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestInnerRemoveLastChildRefusesSingleChild(t *testing.T) {
	layout := testLayout(t)
	inner, err := NewInner(layout, 1, []blockid.BlockId{blockid.Random()})
	require.NoError(t, err)

	err = inner.RemoveLastChild()
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestLoadRoundTripsLeafAndInner(t *testing.T) {
	layout := testLayout(t)
	leaf, err := NewLeaf(layout, []byte("x"))
	require.NoError(t, err)

	variant, err := Load(layout, leaf.View().Bytes())
	require.NoError(t, err)
	require.NotNil(t, variant.Leaf)
	require.Nil(t, variant.Inner)
	require.EqualValues(t, 1, variant.Leaf.NumBytes())

	inner, err := NewInner(layout, 1, []blockid.BlockId{blockid.Random()})
	require.NoError(t, err)

	variant, err = Load(layout, inner.View().Bytes())
	require.NoError(t, err)
	require.NotNil(t, variant.Inner)
	require.Nil(t, variant.Leaf)
}

func TestLoadRejectsExcessiveDepth(t *testing.T) {
	layout := testLayout(t)
	raw := make([]byte, layout.BlockSizeBytes)
	raw[offsetDepth] = MaxDepth + 1
	_, err := LoadView(layout, raw)
	var formatErr *ErrFormatUnsupported
	require.ErrorAs(t, err, &formatErr)
}
