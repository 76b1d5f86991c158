package tablet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/pk"
	"github.com/tabletdb/tabletdb/rowset"
)

// tabletPB is the checkpoint record of a tablet (CFMeta). Rowset metas,
// delete vectors and pending rowsets live in their own column families; the
// checkpoint plus the log records after it reconstruct the full state.
type tabletPB struct {
	TabletID    model.TabletID   `json:"tablet_id"`
	SchemaHash  model.SchemaHash `json:"schema_hash"`
	PartitionID int64            `json:"partition_id"`
	Schema      model.Schema     `json:"schema"`
	State       State            `json:"state"`
	NextSegID   model.SegmentID  `json:"next_seg_id"`
	NextLogID   uint64           `json:"next_log_id"`
	Versions    []versionPB      `json:"versions"`
}

type versionPB struct {
	Major      uint64           `json:"major"`
	Minor      uint32           `json:"minor"`
	CreatedAt  int64            `json:"created_at"`
	Rowsets    []model.RowsetID `json:"rowsets"`
	Compaction bool             `json:"compaction,omitempty"`
}

// logRecord is one incremental version advance since the last checkpoint
// (CFLog). Rowsets is the full rowset list of the new version.
type logRecord struct {
	Major      uint64           `json:"major"`
	Minor      uint32           `json:"minor"`
	CreatedAt  int64            `json:"created_at"`
	Rowsets    []model.RowsetID `json:"rowsets"`
	Compaction bool             `json:"compaction,omitempty"`
}

// checkpointLocked stages a full checkpoint into b: the tablet record is
// rewritten and every log record before it erased.
func (t *Tablet) checkpointLocked(b *meta.Batch) {
	pb := tabletPB{
		TabletID:    t.id,
		SchemaHash:  t.schemaHash,
		PartitionID: t.partitionID,
		Schema:      t.schema,
		State:       t.state,
		NextSegID:   t.nextSegID,
		NextLogID:   t.nextLogID,
	}
	for _, e := range t.versions {
		pb.Versions = append(pb.Versions, versionPB{
			Major:      e.version.Major,
			Minor:      e.version.Minor,
			CreatedAt:  e.createdAt.UnixNano(),
			Rowsets:    e.rowsets,
			Compaction: e.compaction,
		})
	}
	raw, err := json.Marshal(&pb)
	if err != nil {
		// all fields are plain data; a marshal failure is a programming error
		panic(fmt.Sprintf("tablet: marshal checkpoint: %v", err))
	}
	b.Put(meta.CFMeta, meta.TabletKey(t.id), meta.Compress(raw))
	b.DeletePrefix(meta.CFLog, meta.LogPrefix(t.id))
}

// stageLogLocked stages one version-advance log record into b and bumps the
// log sequence.
func (t *Tablet) stageLogLocked(b *meta.Batch, e *versionEntry) {
	rec := logRecord{
		Major:      e.version.Major,
		Minor:      e.version.Minor,
		CreatedAt:  e.createdAt.UnixNano(),
		Rowsets:    e.rowsets,
		Compaction: e.compaction,
	}
	raw, _ := json.Marshal(&rec)
	b.Put(meta.CFLog, meta.LogKey(t.id, t.nextLogID), raw)
	t.nextLogID++
}

func stageRowsetMeta(b *meta.Batch, id model.TabletID, m rowset.Meta) {
	raw, _ := json.Marshal(&m)
	b.Put(meta.CFRowset, meta.RowsetKey(id, m.ID), raw)
}

// SaveMeta persists a full checkpoint now, erasing accumulated log records.
// The primary key index is saved alongside so the next load can skip the
// rowset rescan.
func (t *Tablet) SaveMeta() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.deps.Meta.NewBatch()
	t.checkpointLocked(b)
	if err := t.stagePKIndexLocked(b); err != nil {
		return err
	}
	return t.deps.Meta.Apply(b)
}

// stagePKIndexLocked serializes the primary key index into b, tagged with
// the version it reflects.
func (t *Tablet) stagePKIndexLocked(b *meta.Batch) error {
	ver := t.maxVersionLocked()
	var buf bytes.Buffer
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint64(hdr, ver.Major)
	binary.LittleEndian.PutUint32(hdr[8:], ver.Minor)
	buf.Write(hdr)
	if err := t.pkIndex.Save(&buf); err != nil {
		return err
	}
	b.Put(meta.CFIndex, meta.TabletKey(t.id), meta.Compress(buf.Bytes()))
	return nil
}

// loadPKIndexLocked restores the index persisted by the last SaveMeta. It
// only applies when its version tag matches the history after log replay;
// any mismatch or decode failure makes the caller rebuild from the rowsets.
func (t *Tablet) loadPKIndexLocked() bool {
	raw, err := t.deps.Meta.Get(meta.CFIndex, meta.TabletKey(t.id))
	if err != nil {
		return false
	}
	raw, err = meta.Decompress(raw)
	if err != nil || len(raw) < 12 {
		return false
	}
	saved := model.EditVersion{
		Major: binary.LittleEndian.Uint64(raw),
		Minor: binary.LittleEndian.Uint32(raw[8:]),
	}
	if saved != t.maxVersionLocked() {
		return false
	}
	if err := t.pkIndex.Load(bytes.NewReader(raw[12:])); err != nil {
		t.logger.Warn("primary key index load", zap.Error(err))
		t.pkIndex = pk.NewMemoryIndex()
		return false
	}
	return true
}

// MetaLogCount reports how many log records exist since the last
// checkpoint.
func (t *Tablet) MetaLogCount() (int, error) {
	n := 0
	err := t.deps.Meta.Scan(meta.CFLog, meta.LogPrefix(t.id), func(string, []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// Load restores a tablet from the meta store: checkpoint, log replay,
// rowsets, delete vectors, pending rowsets, and the primary key index
// (from its persisted copy when current, rebuilt from the rowsets
// otherwise). An in-flight apply resumes if pending versions are
// contiguous.
func Load(dir string, id model.TabletID, deps Deps) (*Tablet, error) {
	deps.fill()
	raw, err := deps.Meta.Get(meta.CFMeta, meta.TabletKey(id))
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, fmt.Errorf("%w: tablet %d", ErrNotFound, id)
		}
		return nil, err
	}
	raw, err = meta.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: tablet %d checkpoint: %v", ErrCorruption, id, err)
	}
	var pb tabletPB
	if err := json.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("%w: tablet %d checkpoint: %v", ErrCorruption, id, err)
	}

	t := newTablet(dir, id, pb.SchemaHash, pb.PartitionID, pb.Schema, deps)
	t.state = pb.State
	t.nextSegID = pb.NextSegID
	t.nextLogID = pb.NextLogID
	for _, v := range pb.Versions {
		t.versions = append(t.versions, &versionEntry{
			version:    model.EditVersion{Major: v.Major, Minor: v.Minor},
			createdAt:  time.Unix(0, v.CreatedAt),
			rowsets:    v.Rowsets,
			compaction: v.Compaction,
		})
	}

	// replay log records written after the checkpoint
	err = deps.Meta.Scan(meta.CFLog, meta.LogPrefix(id), func(key string, val []byte) (bool, error) {
		var rec logRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, fmt.Errorf("%w: tablet %d log %s: %v", ErrCorruption, id, key, err)
		}
		ver := model.EditVersion{Major: rec.Major, Minor: rec.Minor}
		if len(t.versions) > 0 && !t.maxVersionLocked().Less(ver) {
			return true, nil
		}
		t.versions = append(t.versions, &versionEntry{
			version:    ver,
			createdAt:  time.Unix(0, rec.CreatedAt),
			rowsets:    rec.Rowsets,
			compaction: rec.Compaction,
		})
		t.nextLogID++
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if len(t.versions) == 0 {
		return nil, fmt.Errorf("%w: tablet %d has no versions", ErrCorruption, id)
	}

	// visible rowsets
	err = deps.Meta.Scan(meta.CFRowset, meta.RowsetPrefix(id), func(key string, val []byte) (bool, error) {
		var m rowset.Meta
		if err := json.Unmarshal(val, &m); err != nil {
			return false, fmt.Errorf("%w: tablet %d rowset %s: %v", ErrCorruption, id, key, err)
		}
		rs := rowset.Open(dir, m)
		if err := rs.CheckFiles(); err != nil {
			return false, fmt.Errorf("%w: tablet %d: %v", ErrCorruption, id, err)
		}
		t.rowsets[m.ID] = rs
		for i := 0; i < int(m.SegmentCount); i++ {
			t.segIndex[m.SegIDBase+model.SegmentID(i)] = segRef{rs: rs, seg: i}
		}
		if next := m.SegIDBase + model.SegmentID(m.SegmentCount); next > t.nextSegID {
			t.nextSegID = next
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range t.versions {
		for _, rid := range e.rowsets {
			if _, ok := t.rowsets[rid]; !ok {
				return nil, fmt.Errorf("%w: tablet %d version %s references missing rowset %s",
					ErrCorruption, id, e.version, rid)
			}
		}
	}

	// delete vector generations (scan order is segment then version)
	err = deps.Meta.Scan(meta.CFDelVec, meta.DelVecPrefix(id), func(key string, val []byte) (bool, error) {
		seg, ver, err := meta.ParseDelVecKey(strings.TrimPrefix(key, meta.DelVecPrefix(id)))
		if err != nil {
			return false, err
		}
		dv, err := delvec.Unmarshal(ver, val)
		if err != nil {
			return false, fmt.Errorf("%w: tablet %d delvec %s: %v", ErrCorruption, id, key, err)
		}
		t.delvecs[seg] = append(t.delvecs[seg], dv)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// pending rowsets survive restarts
	err = deps.Meta.Scan(meta.CFPending, meta.PendingPrefix(id), func(key string, val []byte) (bool, error) {
		ver, err := meta.ParsePendingKey(strings.TrimPrefix(key, meta.PendingPrefix(id)))
		if err != nil {
			return false, err
		}
		var m rowset.Meta
		if err := json.Unmarshal(val, &m); err != nil {
			return false, fmt.Errorf("%w: tablet %d pending %s: %v", ErrCorruption, id, key, err)
		}
		if ver > t.maxVersionLocked().Major {
			t.pending.Store(ver, rowset.Open(dir, m))
			t.npending.Add(1)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if !t.loadPKIndexLocked() {
		t.rebuildPKIndexLocked()
	}
	t.scheduleApplyLocked()
	t.mu.Unlock()
	return t, nil
}

// rebuildPKIndexLocked repopulates the primary key index from the rowsets
// of the latest version, skipping rows its delete vectors mark dead.
func (t *Tablet) rebuildPKIndexLocked() {
	last := t.versions[len(t.versions)-1]
	major := last.version.Major
	for _, rid := range last.rowsets {
		rs := t.rowsets[rid]
		chunks, err := rs.Chunks()
		if err != nil {
			t.logger.Error("pk index rebuild: load rowset", zap.String("rowset", string(rid)), zap.Error(err))
			continue
		}
		base := rs.Meta().SegIDBase
		for si, ck := range chunks {
			seg := base + model.SegmentID(si)
			dv := t.latestDelVecLocked(seg, major)
			for i := 0; i < ck.NumRows(); i++ {
				if dv != nil && dv.IsDeleted(uint32(i)) {
					continue
				}
				_ = t.pkIndex.Upsert(ck.Key(i), model.Location{Segment: seg, Row: uint32(i)})
			}
		}
	}
}
