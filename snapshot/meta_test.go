package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

func sampleMeta() *Meta {
	return &Meta{
		Type:            TypeFull,
		TabletID:        7,
		SchemaHash:      42,
		SnapshotVersion: 5,
		Rowsets: []rowset.Meta{
			{ID: "aaa", SegmentCount: 2, RowCount: 10},
			{ID: "bbb", SegmentCount: 1, RowCount: 3},
		},
		Edits: []VersionEdit{
			{Version: 4, RowsetID: "aaa"},
			{Version: 5, RowsetID: "bbb"},
		},
		DelVecs:  []DelVecRecord{{Segment: 1, Version: 5, Data: []byte{1, 2, 3}}},
		MaxSegID: 3,
	}
}

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteMeta(sampleMeta(), dir))

	got, err := ParseMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeFull, got.Type)
	assert.Equal(t, model.TabletID(7), got.TabletID)
	assert.Equal(t, uint64(5), got.SnapshotVersion)
	require.Len(t, got.Rowsets, 2)
	assert.Equal(t, model.RowsetID("aaa"), got.Rowsets[0].ID)
	assert.Equal(t, []byte{1, 2, 3}, got.DelVecs[0].Data)
	assert.Equal(t, model.SegmentID(3), got.MaxSegID)

	// no stray temp file after the atomic rename
	_, err = os.Stat(filepath.Join(dir, MetaFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestParseMetaRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	_, err := ParseMeta(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFileName), []byte("not s2"), 0o644))
	_, err = ParseMeta(dir)
	require.Error(t, err)
}

func TestAssignNewRowsetIDs(t *testing.T) {
	m := sampleMeta()
	mapping := AssignNewRowsetIDs(m)
	require.Len(t, mapping, 2)

	assert.Equal(t, mapping["aaa"], m.Rowsets[0].ID)
	assert.Equal(t, mapping["bbb"], m.Rowsets[1].ID)
	assert.NotEqual(t, model.RowsetID("aaa"), m.Rowsets[0].ID)
	assert.NotEqual(t, m.Rowsets[0].ID, m.Rowsets[1].ID)
	// edits follow their rowsets
	assert.Equal(t, m.Rowsets[0].ID, m.Edits[0].RowsetID)
	assert.Equal(t, m.Rowsets[1].ID, m.Edits[1].RowsetID)
}

func TestLinkFileFallsBackToCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.dat")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(dir, "dst.dat")
	require.NoError(t, LinkFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// linking onto an existing file is a no-op
	require.NoError(t, LinkFile(src, dst))
}
