package tablet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/snapshot"
)

// sourceTablet builds a tablet with versions 2..4: 100 rows, an overwrite of
// the upper half and a delete of keys 0..9.
func sourceTablet(t *testing.T, h *harness, id model.TabletID) *Tablet {
	t.Helper()
	tb := h.createTablet(id)
	commitKeys(t, tb, 2, keyRange(0, 100), 1)
	commitKeys(t, tb, 3, keyRange(50, 150), 2)
	commitDeletes(t, tb, 4, keyRange(0, 10))
	return tb
}

func checkSourceContent(t *testing.T, tb *Tablet) {
	t.Helper()
	rows := readAll(t, tb, 0)
	require.Len(t, rows, 140)
	assert.Equal(t, int16(1+20), rows[20])
	assert.Equal(t, int16(2+60), rows[60])
	_, gone := rows[5]
	assert.False(t, gone)
}

func TestFullSnapshotClone(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0)
	require.NoError(t, err)

	// the destination replica lives on its own store and data directory
	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	require.NoError(t, dst.LoadSnapshot(dir))

	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 1, dst.VersionHistoryCount(), "a full clone starts a fresh history")
	checkSourceContent(t, dst)
	assert.Equal(t, 140, dst.NumKeys())
}

func TestFullSnapshotCloneIdempotent(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0)
	require.NoError(t, err)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	require.NoError(t, dst.LoadSnapshot(dir))
	require.NoError(t, dst.LoadSnapshot(dir))

	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 1, dst.VersionHistoryCount())
	checkSourceContent(t, dst)
}

func TestLoadSnapshotMismatchedTabletID(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0)
	require.NoError(t, err)

	dsth := newHarness(t)
	dst := dsth.createTablet(999)
	err = dst.LoadSnapshot(dir)
	require.ErrorContains(t, err, "mismatched tablet id")
	assert.Equal(t, uint64(1), dst.MaxVersion(), "a rejected snapshot leaves the destination untouched")
}

func TestLoadSnapshotMissingSegmentFile(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	removed := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".dat" {
			require.NoError(t, os.Remove(filepath.Join(dir, e.Name())))
			removed = true
			break
		}
	}
	require.True(t, removed)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	err = dst.LoadSnapshot(dir)
	require.ErrorContains(t, err, "segment file does not exist")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), dst.MaxVersion())
}

func TestLoadSnapshotCorruptDelVecLeavesDestinationIntact(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0)
	require.NoError(t, err)

	m, err := snapshot.ParseMeta(dir)
	require.NoError(t, err)
	require.NotEmpty(t, m.DelVecs)
	m.DelVecs[0].Data = []byte("garbage")
	require.NoError(t, snapshot.WriteMeta(m, dir))

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	commitKeys(t, dst, 2, keyRange(0, 100), 1)

	err = dst.LoadSnapshot(dir)
	require.ErrorIs(t, err, ErrCorruption)

	// the old state is fully readable, in memory and after a reload
	assert.Equal(t, uint64(2), dst.MaxVersion())
	n, err := dst.ReadRowCount(2)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	dataDir := dst.DataDir()
	dst.Close()
	re, err := Load(dataDir, 100, dsth.deps())
	require.NoError(t, err)
	t.Cleanup(re.Close)
	assert.Equal(t, uint64(2), re.MaxVersion())
	assert.Len(t, readAll(t, re, 2), 100)
}

func TestFullClonePreservesNewerPending(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0) // version 4
	require.NoError(t, err)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	commitKeys(t, dst, 2, keyRange(0, 10), 1)
	// version 6 has a gap below it and stays pending
	commitKeys(t, dst, 6, keyRange(200, 210), 1)
	require.Equal(t, 1, dst.NumPending())

	require.NoError(t, dst.LoadSnapshot(dir))
	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 1, dst.NumPending(), "pending versions beyond the snapshot survive")

	// filling the gap applies the survivor on top of the cloned state
	commitKeys(t, dst, 5, keyRange(300, 310), 1)
	require.Eventually(t, func() bool { return dst.MaxVersion() == 6 }, 5*time.Second, 10*time.Millisecond)
	n, err := dst.ReadRowCount(6)
	require.NoError(t, err)
	assert.Equal(t, 160, n)
}

func TestFullCloneDropsSupersededPending(t *testing.T) {
	src := sourceTablet(t, newHarness(t), 100)
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeFull(src, 0) // version 4
	require.NoError(t, err)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	// version 3 stays pending behind a gap, then the clone covers it
	commitKeys(t, dst, 3, keyRange(0, 10), 1)
	require.Equal(t, 1, dst.NumPending())

	require.NoError(t, dst.LoadSnapshot(dir))
	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 0, dst.NumPending())
	checkSourceContent(t, dst)
}

func TestIncrementalSnapshotClone(t *testing.T) {
	srch := newHarness(t)
	src := sourceTablet(t, srch, 100)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	commitKeys(t, dst, 2, keyRange(0, 100), 1)

	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeIncremental(src, []uint64{3, 4})
	require.NoError(t, err)

	require.NoError(t, dst.LoadSnapshot(dir))
	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 4, dst.VersionHistoryCount())
	checkSourceContent(t, dst)
}

func TestIncrementalCloneWithGapStaysPending(t *testing.T) {
	srch := newHarness(t)
	src := sourceTablet(t, srch, 100)

	dsth := newHarness(t)
	dst := dsth.createTablet(100)
	commitKeys(t, dst, 2, keyRange(0, 100), 1)

	// only version 4 ships; version 3 is missing on the destination
	mgr := snapshot.NewManager(t.TempDir())
	dir, err := mgr.MakeIncremental(src, []uint64{4})
	require.NoError(t, err)

	require.NoError(t, dst.LoadSnapshot(dir))
	assert.Equal(t, uint64(2), dst.MaxVersion())
	assert.Equal(t, 1, dst.NumPending())
}

func TestIncrementalStateRejectsCompactedVersion(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)
	require.NoError(t, src.Compact())

	_, _, err := src.IncrementalState([]uint64{4})
	require.Error(t, err)
}

func TestLinkFrom(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)

	dir := filepath.Join(t.TempDir(), "linked")
	dst, err := Create(dir, 200, src.TabletSchemaHash(), 10, testSchema(), h.deps())
	require.NoError(t, err)
	t.Cleanup(dst.Close)
	dst.SetState(StateNotReady)

	require.NoError(t, dst.LinkFrom(src, 0))
	assert.Equal(t, StateRunning, dst.State())
	assert.Equal(t, uint64(4), dst.MaxVersion())
	checkSourceContent(t, dst)

	// the clone is independent: new writes on the source stay invisible
	commitKeys(t, src, 5, keyRange(500, 510), 1)
	n, err := dst.ReadRowCount(0)
	require.NoError(t, err)
	assert.Equal(t, 140, n)
}

func TestLinkFromRequiresNotReady(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)
	dst := h.createTablet(200)

	err := dst.LinkFrom(src, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestConvertFromAddsColumnWithDefault(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)

	wide := model.Schema{Columns: []model.ColumnSpec{
		{Name: "pk", Type: model.TypeInt64, IsKey: true},
		{Name: "v1", Type: model.TypeInt16},
		{Name: "v2", Type: model.TypeInt32},
		{Name: "v3", Type: model.TypeInt32, Default: "10"},
	}}
	dir := filepath.Join(t.TempDir(), "converted")
	dst, err := Create(dir, 300, wide.Hash(), 10, wide, h.deps())
	require.NoError(t, err)
	t.Cleanup(dst.Close)
	dst.SetState(StateNotReady)

	mappings := []ColumnMapping{{RefColumn: 0}, {RefColumn: 1}, {RefColumn: 2}, {RefColumn: -1}}
	require.NoError(t, dst.ConvertFrom(src, 0, mappings))

	assert.Equal(t, StateRunning, dst.State())
	assert.Equal(t, uint64(4), dst.MaxVersion())
	assert.Equal(t, 140, dst.NumKeys())

	it, err := dst.NewIterator(0)
	require.NoError(t, err)
	defer it.Close()
	ck, err := it.Next()
	require.NoError(t, err)
	require.Positive(t, ck.NumRows())
	assert.Equal(t, int32(10), ck.Cols[3].Datum(0), "the new column carries its default")
}

func TestConvertFromRejectsTypeChange(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)

	narrow := model.Schema{Columns: []model.ColumnSpec{
		{Name: "pk", Type: model.TypeInt64, IsKey: true},
		{Name: "v1", Type: model.TypeInt64},
	}}
	dir := filepath.Join(t.TempDir(), "converted")
	dst, err := Create(dir, 301, narrow.Hash(), 10, narrow, h.deps())
	require.NoError(t, err)
	t.Cleanup(dst.Close)
	dst.SetState(StateNotReady)

	err = dst.ConvertFrom(src, 0, []ColumnMapping{{RefColumn: 0}, {RefColumn: 1}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestConvertFromSurvivesReload(t *testing.T) {
	h := newHarness(t)
	src := sourceTablet(t, h, 100)

	dir := filepath.Join(t.TempDir(), "converted")
	dst, err := Create(dir, 302, src.TabletSchemaHash(), 10, testSchema(), h.deps())
	require.NoError(t, err)
	dst.SetState(StateNotReady)
	mappings := []ColumnMapping{{RefColumn: 0}, {RefColumn: 1}, {RefColumn: 2}}
	require.NoError(t, dst.ConvertFrom(src, 0, mappings))
	dst.Close()

	re, err := Load(dir, 302, h.deps())
	require.NoError(t, err)
	t.Cleanup(re.Close)
	assert.Equal(t, uint64(4), re.MaxVersion())
	checkSourceContent(t, re)
}

// compile-time check that Tablet feeds the snapshot manager
var _ snapshot.TabletSource = (*Tablet)(nil)
