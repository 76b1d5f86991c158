package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(CFMeta, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(CFMeta, "k", []byte("v")))
	got, err := s.Get(CFMeta, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// column families do not leak into each other
	_, err = s.Get(CFLog, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(CFMeta, "k"))
	_, err = s.Get(CFMeta, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanPrefixOrder(t *testing.T) {
	s := openStore(t)
	id := model.TabletID(7)
	other := model.TabletID(8)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put(CFLog, LogKey(id, i), []byte{byte(i)}))
	}
	require.NoError(t, s.Put(CFLog, LogKey(other, 1), []byte{99}))

	var seen []byte
	err := s.Scan(CFLog, LogPrefix(id), func(key string, val []byte) (bool, error) {
		seen = append(seen, val[0])
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, seen)

	// early stop
	n := 0
	err = s.Scan(CFLog, LogPrefix(id), func(string, []byte) (bool, error) {
		n++
		return n < 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBatchAtomicityAndDeletePrefix(t *testing.T) {
	s := openStore(t)
	id := model.TabletID(3)

	b := s.NewBatch()
	b.Put(CFMeta, TabletKey(id), []byte("ckpt"))
	b.Put(CFLog, LogKey(id, 1), []byte("l1"))
	b.Put(CFLog, LogKey(id, 2), []byte("l2"))
	require.NoError(t, s.Apply(b))

	b = s.NewBatch()
	b.DeletePrefix(CFLog, LogPrefix(id))
	b.Put(CFMeta, TabletKey(id), []byte("ckpt2"))
	require.NoError(t, s.Apply(b))

	n := 0
	require.NoError(t, s.Scan(CFLog, LogPrefix(id), func(string, []byte) (bool, error) {
		n++
		return true, nil
	}))
	assert.Equal(t, 0, n)

	got, err := s.Get(CFMeta, TabletKey(id))
	require.NoError(t, err)
	assert.Equal(t, []byte("ckpt2"), got)
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(`{"tablet_id":1,"versions":[{"major":1,"minor":0}]}`)
	out, err := Decompress(Compress(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDelVecKeyRoundTrip(t *testing.T) {
	key := DelVecKey(model.TabletID(9), model.SegmentID(4), 17)
	seg, ver, err := ParseDelVecKey(key[17:]) // strip "%016x_" tablet prefix
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(4), seg)
	assert.Equal(t, uint64(17), ver)

	v, err := ParsePendingKey(PendingKey(model.TabletID(9), 23)[17:])
	require.NoError(t, err)
	assert.Equal(t, uint64(23), v)
}
