package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskStoreCreateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 128})
	require.NoError(t, err)
	defer s.Close()

	content := make([]byte, 128)
	copy(content, []byte("on-disk"))
	id, err := s.Create(content)
	require.NoError(t, err)

	got, err := s.Load(id)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDiskStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 128})
	require.NoError(t, err)

	content := make([]byte, 128)
	copy(content, []byte("persisted"))
	id, err := s.Create(content)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenDiskStore(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(id)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDiskStoreRemoveFreesSlotForReuse(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 128, InitialCapacity: 1})
	require.NoError(t, err)
	defer s.Close()

	content := make([]byte, 128)
	id1, err := s.Create(content)
	require.NoError(t, err)

	existed, err := s.Remove(id1)
	require.NoError(t, err)
	require.True(t, existed)

	id2, err := s.Create(content)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	n, err := s.NumBlocks()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDiskStoreGrowsBeyondInitialCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 64, InitialCapacity: 1})
	require.NoError(t, err)
	defer s.Close()

	ids := make([]BlockId, 0, 200)
	for i := 0; i < 200; i++ {
		id, err := s.Create(make([]byte, 64))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := s.Load(id)
		require.NoError(t, err)
	}
}

func TestDiskStoreSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 128})
	require.NoError(t, err)
	defer s.Close()

	_, err = OpenDiskStore(dir, Options{})
	require.Error(t, err)
}

func TestDiskStoreWrongSizeRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, Options{BlockSizeBytes: 128})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Create(make([]byte, 64))
	require.ErrorIs(t, err, ErrWrongBlockSize)
}
