package tablet

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/pk"
	"github.com/tabletdb/tabletdb/rowset"
	"github.com/tabletdb/tabletdb/snapshot"
)

// FullState captures every visible rowset at the given major version
// (0 means latest), with the resolved delete vector per segment and the
// segment ID high-water mark. It implements snapshot.TabletSource.
func (t *Tablet) FullState(version uint64) ([]rowset.Meta, []snapshot.DelVecRecord, model.SegmentID, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version == 0 {
		version = t.maxVersionLocked().Major
	}
	entry := t.entryForLocked(version)
	if entry == nil {
		return nil, nil, 0, 0, fmt.Errorf("%w: version %d of tablet %d", ErrNotFound, version, t.id)
	}
	var metas []rowset.Meta
	var dels []snapshot.DelVecRecord
	for _, rid := range entry.rowsets {
		m := t.rowsets[rid].Meta()
		metas = append(metas, m)
		for i := 0; i < int(m.SegmentCount); i++ {
			seg := m.SegIDBase + model.SegmentID(i)
			dv := t.latestDelVecLocked(seg, version)
			if dv == nil {
				continue
			}
			raw, err := dv.Marshal()
			if err != nil {
				return nil, nil, 0, 0, err
			}
			dels = append(dels, snapshot.DelVecRecord{Segment: seg, Version: dv.Version(), Data: raw})
		}
	}
	return metas, dels, t.nextSegID - 1, version, nil
}

// IncrementalState captures the delta rowset of each requested version. It
// implements snapshot.TabletSource. Versions removed by GC or produced by
// compaction cannot be captured incrementally; callers fall back to a full
// snapshot.
func (t *Tablet) IncrementalState(versions []uint64) ([]rowset.Meta, []snapshot.VersionEdit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var metas []rowset.Meta
	var edits []snapshot.VersionEdit
	for _, v := range versions {
		entry := t.entryForLocked(v)
		if entry == nil {
			return nil, nil, fmt.Errorf("%w: version %d of tablet %d", ErrVersionExpired, v, t.id)
		}
		if entry.compaction || len(entry.rowsets) == 0 {
			return nil, nil, fmt.Errorf("%w: version %d has no delta rowset", ErrValidation, v)
		}
		delta := entry.rowsets[len(entry.rowsets)-1]
		metas = append(metas, t.rowsets[delta].Meta())
		edits = append(edits, snapshot.VersionEdit{Version: v, RowsetID: delta})
	}
	return metas, edits, nil
}

// LoadSnapshot restores or advances the tablet from a snapshot directory.
// Identity mismatches and missing segment files fail before anything on the
// destination changes.
func (t *Tablet) LoadSnapshot(dir string) error {
	m, err := snapshot.ParseMeta(dir)
	if err != nil {
		return err
	}
	if m.TabletID != t.id {
		return fmt.Errorf("%w: mismatched tablet id: %d vs %d", ErrValidation, m.TabletID, t.id)
	}
	if m.SchemaHash != t.schemaHash {
		return fmt.Errorf("%w: mismatched schema hash: %d vs %d", ErrValidation, m.SchemaHash, t.schemaHash)
	}
	if err := checkSegmentFiles(m.Rowsets, dir); err != nil {
		return err
	}

	switch m.Type {
	case snapshot.TypeFull:
		err = t.installFull(m, dir)
	case snapshot.TypeIncremental:
		err = t.installIncremental(m, dir)
	default:
		return fmt.Errorf("%w: unknown snapshot type %q", ErrValidation, m.Type)
	}
	if err != nil {
		return err
	}
	t.deps.Metrics.SnapshotLoaded(t.id, string(m.Type))
	return nil
}

func checkSegmentFiles(metas []rowset.Meta, dir string) error {
	for _, rm := range metas {
		if err := rowset.Open(dir, rm).CheckFiles(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return nil
}

// installFull replaces the tablet's entire visible state with the snapshot
// content at its version. Pending versions beyond the snapshot version are
// kept and become applicable. Repeating the same install converges. Nothing
// on the destination changes until the new state is durable: a failure
// leaves the old state fully intact.
func (t *Tablet) installFull(m *snapshot.Meta, srcDir string) error {
	// decode everything fallible before touching the destination
	newDelvecs := make(map[model.SegmentID][]*delvec.DelVector)
	for _, rec := range m.DelVecs {
		dv, err := delvec.Unmarshal(rec.Version, rec.Data)
		if err != nil {
			return fmt.Errorf("%w: snapshot delvec: %v", ErrCorruption, err)
		}
		newDelvecs[rec.Segment] = append(newDelvecs[rec.Segment], dv)
	}

	mapping := snapshot.AssignNewRowsetIDs(m)
	if err := snapshot.LinkRenamed(m, mapping, srcDir, t.dir); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	entry := &versionEntry{
		version:   model.EditVersion{Major: m.SnapshotVersion},
		createdAt: time.Now(),
	}
	newRowsets := make(map[model.RowsetID]*rowset.Rowset, len(m.Rowsets))
	newSegIndex := make(map[model.SegmentID]segRef)
	for _, rm := range m.Rowsets {
		rm.TabletID = t.id
		rs := rowset.Open(t.dir, rm)
		newRowsets[rm.ID] = rs
		entry.rowsets = append(entry.rowsets, rm.ID)
		for i := 0; i < int(rm.SegmentCount); i++ {
			newSegIndex[rm.SegIDBase+model.SegmentID(i)] = segRef{rs: rs, seg: i}
		}
	}

	// pending versions at or below the snapshot version are superseded
	var stale []uint64
	t.pending.Range(func(v uint64, _ *rowset.Rowset) bool {
		if v <= m.SnapshotVersion {
			stale = append(stale, v)
		}
		return true
	})

	// stage the new history for the checkpoint; the old one comes back if
	// the batch does not commit
	oldVersions, oldNextSeg, oldState := t.versions, t.nextSegID, t.state
	t.versions = []*versionEntry{entry}
	if next := m.MaxSegID + 1; next > t.nextSegID {
		t.nextSegID = next
	}
	t.state = StateRunning

	b := t.deps.Meta.NewBatch()
	b.DeletePrefix(meta.CFRowset, meta.RowsetPrefix(t.id))
	b.DeletePrefix(meta.CFDelVec, meta.DelVecPrefix(t.id))
	b.Delete(meta.CFIndex, meta.TabletKey(t.id))
	t.checkpointLocked(b)
	for _, rm := range m.Rowsets {
		rm.TabletID = t.id
		stageRowsetMeta(b, t.id, rm)
	}
	for _, rec := range m.DelVecs {
		b.Put(meta.CFDelVec, meta.DelVecKey(t.id, rec.Segment, rec.Version), rec.Data)
	}
	for _, v := range stale {
		b.Delete(meta.CFPending, meta.PendingKey(t.id, v))
	}
	if err := t.deps.Meta.Apply(b); err != nil {
		t.versions, t.nextSegID, t.state = oldVersions, oldNextSeg, oldState
		for _, rs := range newRowsets {
			rs.MarkRemoveOnRelease()
			rs.Unref()
		}
		return err
	}

	// durable; swap the visible state
	for _, rs := range t.rowsets {
		rs.MarkRemoveOnRelease()
		rs.Unref()
	}
	t.rowsets = newRowsets
	t.segIndex = newSegIndex
	t.delvecs = newDelvecs
	t.pkIndex = pk.NewMemoryIndex()
	t.rebuildPKIndexLocked()
	for _, v := range stale {
		if rs, ok := t.pending.Load(v); ok {
			rs.MarkRemoveOnRelease()
			rs.Unref()
		}
		t.pending.Delete(v)
		t.npending.Add(-1)
	}

	t.cond.Broadcast()
	t.scheduleApplyLocked()
	t.logger.Info("installed full snapshot", zap.Uint64("version", m.SnapshotVersion))
	return nil
}

// installIncremental commits the snapshot's delta rowsets version by
// version. Versions already known stay untouched; versions with a gap below
// them stay pending, which is legal.
func (t *Tablet) installIncremental(m *snapshot.Meta, srcDir string) error {
	mapping := snapshot.AssignNewRowsetIDs(m)
	if err := snapshot.LinkRenamed(m, mapping, srcDir, t.dir); err != nil {
		return err
	}

	byID := make(map[model.RowsetID]rowset.Meta, len(m.Rowsets))
	for _, rm := range m.Rowsets {
		byID[rm.ID] = rm
	}
	edits := append([]snapshot.VersionEdit{}, m.Edits...)
	sort.Slice(edits, func(a, b int) bool { return edits[a].Version < edits[b].Version })

	for _, edit := range edits {
		rm, ok := byID[edit.RowsetID]
		if !ok {
			return fmt.Errorf("%w: snapshot edit %d references missing rowset %s",
				ErrCorruption, edit.Version, edit.RowsetID)
		}
		rm.TabletID = t.id
		rm.State = rowset.StateCommitted
		if err := t.Commit(edit.Version, rowset.Open(t.dir, rm)); err != nil {
			return err
		}
	}
	return nil
}

// LinkFrom bootstraps this (NOTREADY) tablet from a source tablet on the
// same filesystem by hard-linking its segment files at the given version.
// The schemas must match.
func (t *Tablet) LinkFrom(src *Tablet, version uint64) error {
	if t.State() != StateNotReady {
		return fmt.Errorf("%w: tablet %d is %s, want %s", ErrValidation, t.id, t.State(), StateNotReady)
	}
	if src.schemaHash != t.schemaHash {
		return fmt.Errorf("%w: mismatched schema hash: %d vs %d", ErrValidation, src.schemaHash, t.schemaHash)
	}
	metas, dels, maxSeg, realVersion, err := src.FullState(version)
	if err != nil {
		return err
	}
	if err := checkSegmentFiles(metas, src.dir); err != nil {
		return err
	}
	m := &snapshot.Meta{
		Type:            snapshot.TypeFull,
		TabletID:        t.id,
		SchemaHash:      t.schemaHash,
		Schema:          src.schema,
		SnapshotVersion: realVersion,
		Rowsets:         metas,
		DelVecs:         dels,
		MaxSegID:        maxSeg,
	}
	if err := t.installFull(m, src.dir); err != nil {
		return err
	}
	t.logger.Info("linked from tablet",
		zap.Int64("source_tablet_id", int64(src.id)),
		zap.Uint64("version", realVersion))
	return nil
}

// ColumnMapping describes how one destination column of a schema change is
// filled: from a source column, or from the destination column's default.
type ColumnMapping struct {
	// RefColumn is the source schema ordinal, or -1 for the default value.
	RefColumn int
}

// ConvertFrom bootstraps this (NOTREADY) tablet by re-encoding the source
// tablet's live rows at the given version into the destination schema.
func (t *Tablet) ConvertFrom(src *Tablet, version uint64, mappings []ColumnMapping) error {
	if t.State() != StateNotReady {
		return fmt.Errorf("%w: tablet %d is %s, want %s", ErrValidation, t.id, t.State(), StateNotReady)
	}
	if len(mappings) != len(t.schema.Columns) {
		return fmt.Errorf("%w: %d mappings for %d columns", ErrValidation, len(mappings), len(t.schema.Columns))
	}
	for i, mp := range mappings {
		if mp.RefColumn < 0 {
			continue
		}
		if mp.RefColumn >= len(src.schema.Columns) {
			return fmt.Errorf("%w: mapping %d references source column %d", ErrValidation, i, mp.RefColumn)
		}
		if src.schema.Columns[mp.RefColumn].Type != t.schema.Columns[i].Type {
			return fmt.Errorf("%w: mapping %d changes type %v to %v", ErrValidation, i,
				src.schema.Columns[mp.RefColumn].Type, t.schema.Columns[i].Type)
		}
	}

	it, err := src.NewIterator(version)
	if err != nil {
		return err
	}
	defer it.Close()
	realVersion := it.Version().Major

	defaults := make([]chunk.Datum, len(mappings))
	for i, mp := range mappings {
		if mp.RefColumn >= 0 {
			continue
		}
		d, err := chunk.DefaultDatum(t.schema.Columns[i])
		if err != nil {
			return err
		}
		defaults[i] = d
	}

	converted := chunk.New(t.schema, 0)
	for {
		ck, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		for row := 0; row < ck.NumRows(); row++ {
			for i, mp := range mappings {
				var d chunk.Datum
				if mp.RefColumn >= 0 {
					d = ck.Cols[mp.RefColumn].Datum(row)
				} else {
					d = defaults[i]
				}
				if err := converted.Cols[i].AppendDatum(d); err != nil {
					return err
				}
			}
		}
	}

	w, err := rowset.NewWriter(rowset.WriterContext{
		Dir:               t.dir,
		TabletID:          t.id,
		SchemaHash:        t.schemaHash,
		PartitionID:       t.partitionID,
		Schema:            t.schema,
		MaxRowsPerSegment: t.deps.Config.MaxRowsPerSegment,
	})
	if err != nil {
		return err
	}
	if err := w.AddChunk(converted.SortByKey()); err != nil {
		return err
	}
	out, err := w.Build()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		out.MarkRemoveOnRelease()
		out.Unref()
		return ErrClosed
	}

	ver := model.EditVersion{Major: realVersion}
	out.SetVisible(ver, 1)
	segCount := out.Meta().SegmentCount

	// persist the converted state before replacing anything in memory
	oldVersions, oldNextSeg, oldState := t.versions, t.nextSegID, t.state
	t.versions = []*versionEntry{{version: ver, createdAt: time.Now(), rowsets: []model.RowsetID{out.ID()}}}
	t.nextSegID = 1 + model.SegmentID(segCount)
	t.state = StateRunning

	b := t.deps.Meta.NewBatch()
	b.DeletePrefix(meta.CFRowset, meta.RowsetPrefix(t.id))
	b.DeletePrefix(meta.CFDelVec, meta.DelVecPrefix(t.id))
	b.Delete(meta.CFIndex, meta.TabletKey(t.id))
	t.checkpointLocked(b)
	stageRowsetMeta(b, t.id, out.Meta())
	if err := t.deps.Meta.Apply(b); err != nil {
		t.versions, t.nextSegID, t.state = oldVersions, oldNextSeg, oldState
		out.MarkRemoveOnRelease()
		out.Unref()
		return err
	}

	for _, rs := range t.rowsets {
		rs.MarkRemoveOnRelease()
		rs.Unref()
	}
	t.rowsets = map[model.RowsetID]*rowset.Rowset{out.ID(): out}
	t.segIndex = make(map[model.SegmentID]segRef)
	for i := 0; i < int(segCount); i++ {
		t.segIndex[1+model.SegmentID(i)] = segRef{rs: out, seg: i}
	}
	t.delvecs = make(map[model.SegmentID][]*delvec.DelVector)
	t.pkIndex = pk.NewMemoryIndex()
	t.rebuildPKIndexLocked()
	t.logger.Info("converted from tablet",
		zap.Int64("source_tablet_id", int64(src.id)),
		zap.Uint64("version", realVersion))
	return nil
}
