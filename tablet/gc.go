package tablet

import (
	"time"

	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// RemoveExpiredVersions drops every applied version created before cutoff,
// always retaining at least the newest one. Rowsets referenced only by
// dropped versions are unlinked from the history; their segment files are
// deleted once the last reader reference is gone, so iterators captured
// before the GC keep working.
func (t *Tablet) RemoveExpiredVersions(cutoff time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	// a commit whose apply submission failed leaves its versions pending;
	// maintenance passes retry the schedule
	t.scheduleApplyLocked()

	firstKeep := len(t.versions) - 1
	for i, e := range t.versions {
		if !e.createdAt.Before(cutoff) {
			firstKeep = i
			break
		}
	}
	if firstKeep == 0 {
		return nil
	}
	removed := firstKeep
	t.versions = t.versions[firstKeep:]

	referenced := make(map[model.RowsetID]bool)
	for _, e := range t.versions {
		for _, rid := range e.rowsets {
			referenced[rid] = true
		}
	}
	var obsolete []*rowset.Rowset
	for rid, rs := range t.rowsets {
		if !referenced[rid] {
			obsolete = append(obsolete, rs)
		}
	}

	// delete vector generations older than the earliest retained version
	// are unreachable, except the newest such generation per segment
	minMajor := t.versions[0].version.Major
	obsoleteSegs := make(map[model.SegmentID]bool)
	for _, rs := range obsolete {
		m := rs.Meta()
		for i := 0; i < int(m.SegmentCount); i++ {
			obsoleteSegs[m.SegIDBase+model.SegmentID(i)] = true
		}
	}
	type delvecKey struct {
		seg model.SegmentID
		ver uint64
	}
	var prunedKeys []delvecKey
	for seg, gens := range t.delvecs {
		if obsoleteSegs[seg] {
			for _, g := range gens {
				prunedKeys = append(prunedKeys, delvecKey{seg, g.Version()})
			}
			delete(t.delvecs, seg)
			continue
		}
		cut := 0
		for i, g := range gens {
			if g.Version() <= minMajor {
				cut = i
			}
		}
		for _, g := range gens[:cut] {
			prunedKeys = append(prunedKeys, delvecKey{seg, g.Version()})
		}
		if cut > 0 {
			t.delvecs[seg] = gens[cut:]
		}
	}

	b := t.deps.Meta.NewBatch()
	t.checkpointLocked(b)
	for _, rs := range obsolete {
		b.Delete(meta.CFRowset, meta.RowsetKey(t.id, rs.ID()))
	}
	for _, k := range prunedKeys {
		b.Delete(meta.CFDelVec, meta.DelVecKey(t.id, k.seg, k.ver))
	}
	if err := t.deps.Meta.Apply(b); err != nil {
		return err
	}

	for _, rs := range obsolete {
		m := rs.Meta()
		for i := 0; i < int(m.SegmentCount); i++ {
			delete(t.segIndex, m.SegIDBase+model.SegmentID(i))
		}
		delete(t.rowsets, rs.ID())
		rs.MarkRemoveOnRelease()
		rs.Unref()
	}

	t.deps.Metrics.VersionsRemoved(t.id, removed)
	return nil
}
