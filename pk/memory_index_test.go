package pk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/model"
)

func TestMemoryIndexBasics(t *testing.T) {
	idx := NewMemoryIndex()

	_, ok := idx.Lookup(1)
	assert.False(t, ok)

	require.NoError(t, idx.Upsert(1, model.Location{Segment: 2, Row: 3}))
	loc, ok := idx.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, model.Location{Segment: 2, Row: 3}, loc)
	assert.Equal(t, 1, idx.Size())

	require.NoError(t, idx.Upsert(1, model.Location{Segment: 4, Row: 0}))
	loc, _ = idx.Lookup(1)
	assert.Equal(t, model.Location{Segment: 4, Row: 0}, loc)

	require.NoError(t, idx.Delete(1))
	_, ok = idx.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Size())
}

func TestUpsertIf(t *testing.T) {
	idx := NewMemoryIndex()
	old := model.Location{Segment: 1, Row: 1}
	require.NoError(t, idx.Upsert(7, old))

	// stale expectation does not move the key
	assert.False(t, idx.UpsertIf(7, model.Location{Segment: 9, Row: 9}, model.Location{Segment: 2, Row: 2}))
	loc, _ := idx.Lookup(7)
	assert.Equal(t, old, loc)

	assert.True(t, idx.UpsertIf(7, old, model.Location{Segment: 2, Row: 2}))
	loc, _ = idx.Lookup(7)
	assert.Equal(t, model.Location{Segment: 2, Row: 2}, loc)

	// missing key never matches
	assert.False(t, idx.UpsertIf(8, old, model.Location{}))
}

func TestSaveLoad(t *testing.T) {
	idx := NewMemoryIndex()
	for i := int64(0); i < 100; i++ {
		require.NoError(t, idx.Upsert(i, model.Location{Segment: model.SegmentID(i % 4), Row: uint32(i)}))
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Save(&buf))

	loaded := NewMemoryIndex()
	require.NoError(t, loaded.Load(&buf))
	assert.Equal(t, 100, loaded.Size())
	loc, ok := loaded.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, model.Location{Segment: 2, Row: 42}, loc)
}
