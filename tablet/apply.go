package tablet

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// Commit registers rs as the content of the given major version. Versions
// may arrive in any order: a version with a gap below it stays pending
// until the gap fills, without failing the commit. Re-committing an already
// known version is a no-op. Commit takes ownership of the caller's rowset
// reference.
//
// When the version (together with already pending ones) is immediately
// applicable, Commit waits until the apply worker has made it visible, so a
// successful return with no gap below means the data is readable.
func (t *Tablet) Commit(version uint64, rs *rowset.Rowset) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		rs.Unref()
		return ErrClosed
	}
	if t.state != StateRunning {
		t.mu.Unlock()
		rs.Unref()
		return fmt.Errorf("%w: tablet %d is %s", ErrValidation, t.id, t.state)
	}
	if version <= t.maxVersionLocked().Major {
		// already applied (e.g. a retried publish); drop the duplicate,
		// keeping its files if the applied rowset shares them
		_, sameID := t.rowsets[rs.ID()]
		t.mu.Unlock()
		if !sameID {
			rs.MarkRemoveOnRelease()
		}
		rs.Unref()
		return nil
	}
	if prev, ok := t.pending.Load(version); ok {
		t.mu.Unlock()
		if prev.ID() != rs.ID() {
			rs.MarkRemoveOnRelease()
		}
		rs.Unref()
		return nil
	}

	// make the pending rowset durable before acknowledging the commit
	raw, err := json.Marshal(rs.Meta())
	if err != nil {
		t.mu.Unlock()
		rs.Unref()
		return err
	}
	if err := t.deps.Meta.Put(meta.CFPending, meta.PendingKey(t.id, version), raw); err != nil {
		t.mu.Unlock()
		rs.Unref()
		return err
	}
	t.pending.Store(version, rs)
	t.npending.Add(1)

	// the highest version reachable without gaps from the current max
	target := t.maxVersionLocked().Major
	for {
		if _, ok := t.pending.Load(target + 1); !ok {
			break
		}
		target++
	}
	if target == t.maxVersionLocked().Major {
		// not applicable yet, leave it pending
		t.mu.Unlock()
		return nil
	}

	t.scheduleApplyLocked()
	for t.maxVersionLocked().Major < target && t.applying && !t.closed {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return nil
}

// scheduleApplyLocked starts the apply worker if there is applicable work
// and no worker is running.
func (t *Tablet) scheduleApplyLocked() {
	if t.applying || t.closed {
		return
	}
	if _, ok := t.pending.Load(t.maxVersionLocked().Major + 1); !ok {
		return
	}
	t.applying = true
	if err := t.deps.Submit(t.applyLoop); err != nil {
		t.applying = false
		t.logger.Error("schedule apply", zap.Error(err))
	}
}

// applyLoop drains contiguous pending versions. At most one instance runs
// per tablet.
func (t *Tablet) applyLoop() {
	for {
		t.mu.Lock()
		if t.closed {
			t.applying = false
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
		next := t.maxVersionLocked().Major + 1
		rs, ok := t.pending.Load(next)
		if !ok {
			t.applying = false
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if err := t.applyRowset(next, rs); err != nil {
			t.logger.Error("apply rowset", zap.Uint64("version", next), zap.Error(err))
			t.deps.Metrics.ApplyFailed(t.id, next)
			t.mu.Lock()
			t.applying = false
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
	}
}

// applyRowset makes the rowset of one version visible: it resolves every
// delete marker and overwritten key against the primary key index, derives
// new delete vector generations, persists the version advance atomically,
// and only then mutates the in-memory state.
func (t *Tablet) applyRowset(version uint64, rs *rowset.Rowset) error {
	start := time.Now()
	chunks, err := rs.Chunks()
	if err != nil {
		return err
	}
	delKeys, err := rs.DeleteKeys()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	segBase := t.nextSegID
	segCount := rs.Meta().SegmentCount

	// overlay tracks index changes of this batch without touching the real
	// index until the version advance is durable; nil means deleted
	overlay := make(map[model.PrimaryKey]*model.Location)
	lookup := func(k model.PrimaryKey) (model.Location, bool) {
		if v, seen := overlay[k]; seen {
			if v == nil {
				return model.Location{}, false
			}
			return *v, true
		}
		return t.pkIndex.Lookup(k)
	}

	newDels := make(map[model.SegmentID][]uint32)
	// deletes of a batch apply before its upserts
	for _, k := range delKeys {
		if loc, ok := lookup(k); ok {
			newDels[loc.Segment] = append(newDels[loc.Segment], loc.Row)
			overlay[k] = nil
		}
	}
	nrows := 0
	for si, ck := range chunks {
		seg := segBase + model.SegmentID(si)
		n := ck.NumRows()
		nrows += n
		for i := 0; i < n; i++ {
			k := ck.Key(i)
			if loc, ok := lookup(k); ok {
				newDels[loc.Segment] = append(newDels[loc.Segment], loc.Row)
			}
			loc := model.Location{Segment: seg, Row: uint32(i)}
			overlay[k] = &loc
		}
	}

	ver := model.EditVersion{Major: version}
	rs.SetVisible(ver, segBase)

	updates := make(map[model.SegmentID]*delvec.DelVector, len(newDels))
	for seg, rows := range newDels {
		prev := t.latestDelVecLocked(seg, version)
		if prev == nil {
			prev = delvec.New(0)
		}
		updates[seg] = prev.NewVersion(rows, version)
	}

	last := t.versions[len(t.versions)-1]
	entry := &versionEntry{
		version:   ver,
		createdAt: time.Now(),
		rowsets:   append(append([]model.RowsetID{}, last.rowsets...), rs.ID()),
	}

	b := t.deps.Meta.NewBatch()
	t.stageLogLocked(b, entry)
	stageRowsetMeta(b, t.id, rs.Meta())
	for seg, dv := range updates {
		raw, err := dv.Marshal()
		if err != nil {
			return err
		}
		b.Put(meta.CFDelVec, meta.DelVecKey(t.id, seg, version), raw)
	}
	b.Delete(meta.CFPending, meta.PendingKey(t.id, version))
	if err := t.deps.Meta.Apply(b); err != nil {
		return err
	}

	// durable; now install
	for k, v := range overlay {
		if v == nil {
			_ = t.pkIndex.Delete(k)
		} else {
			_ = t.pkIndex.Upsert(k, *v)
		}
	}
	for seg, dv := range updates {
		t.delvecs[seg] = append(t.delvecs[seg], dv)
	}
	t.versions = append(t.versions, entry)
	t.rowsets[rs.ID()] = rs
	for i := 0; i < int(segCount); i++ {
		t.segIndex[segBase+model.SegmentID(i)] = segRef{rs: rs, seg: i}
	}
	t.nextSegID += model.SegmentID(segCount)
	t.pending.Delete(version)
	t.npending.Add(-1)
	t.cond.Broadcast()

	ndels := 0
	for _, rows := range newDels {
		ndels += len(rows)
	}
	t.deps.Metrics.ApplyDone(t.id, version, nrows, ndels, time.Since(start))
	t.logger.Debug("applied version",
		zap.Uint64("version", version),
		zap.Int("rows", nrows),
		zap.Int("deletes", ndels))
	return nil
}
