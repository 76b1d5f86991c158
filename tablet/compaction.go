package tablet

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/merger"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// CompactionScore rates how much the tablet would benefit from compaction.
// Negative means not a candidate; a recently compacted tablet scores -1
// until its cooldown expires. Higher is more urgent.
func (t *Tablet) CompactionScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cooldown := t.deps.Config.CompactionCooldown
	if cooldown > 0 && !t.lastCompaction.IsZero() && time.Since(t.lastCompaction) < cooldown {
		return -1
	}

	last := t.versions[len(t.versions)-1]
	n := len(last.rowsets)
	var rows, dels float64
	for _, rid := range last.rowsets {
		m := t.rowsets[rid].Meta()
		rows += float64(m.RowCount)
		dels += float64(m.DeleteCount)
		for i := 0; i < int(m.SegmentCount); i++ {
			if dv := t.latestDelVecLocked(m.SegIDBase+model.SegmentID(i), last.version.Major); dv != nil {
				dels += float64(dv.Cardinality())
			}
		}
	}
	ratio := 0.0
	if rows > 0 {
		ratio = dels / rows
		if ratio > 1 {
			ratio = 1
		}
	}
	return 10*float64(n-1) + 100*ratio - 20
}

// Compact merges every rowset of the latest version into one, dropping
// deleted and overwritten rows, and installs the result as a minor version
// step (major, minor+1). The merge runs on a captured snapshot; if another
// version lands in between, the result is discarded with ErrConflict.
func (t *Tablet) Compact() error {
	start := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: tablet %d is %s", ErrValidation, t.id, t.state)
	}
	if t.compacting {
		t.mu.Unlock()
		return fmt.Errorf("%w: compaction already running", ErrConflict)
	}
	t.compacting = true
	t.scheduleApplyLocked()

	captured := t.versions[len(t.versions)-1]
	ver := captured.version
	inputs := make([]merger.Input, 0, len(captured.rowsets))
	for _, rid := range captured.rowsets {
		rs := t.rowsets[rid]
		rs.Ref()
		m := rs.Meta()
		dvs := make(map[model.SegmentID]*delvec.DelVector)
		for i := 0; i < int(m.SegmentCount); i++ {
			seg := m.SegIDBase + model.SegmentID(i)
			if dv := t.latestDelVecLocked(seg, ver.Major); dv != nil {
				dvs[seg] = dv
			}
		}
		inputs = append(inputs, merger.Input{Rowset: rs, DelVecs: dvs})
	}
	t.mu.Unlock()

	defer func() {
		for _, in := range inputs {
			in.Rowset.Unref()
		}
		t.mu.Lock()
		t.compacting = false
		t.mu.Unlock()
	}()

	if len(inputs) == 0 {
		return nil
	}

	w, err := rowset.NewWriter(rowset.WriterContext{
		Dir:         t.dir,
		TabletID:    t.id,
		SchemaHash:  t.schemaHash,
		PartitionID: t.partitionID,
		Schema:      t.schema,
	})
	if err != nil {
		return err
	}
	cfg := t.deps.Config
	moves, err := merger.Merge(t.schema, inputs, w, merger.Config{
		ChunkSize:          cfg.ChunkSize,
		MaxColumnsPerGroup: cfg.CompactionMaxColumnsPerGroup,
		MemoryBudget:       cfg.CompactionMemoryBudget,
	})
	if err != nil {
		return err
	}
	out, err := w.Build()
	if err != nil {
		return err
	}

	if err := t.commitCompaction(ver, out, moves); err != nil {
		out.MarkRemoveOnRelease()
		out.Unref()
		return err
	}

	t.deps.Metrics.CompactionDone(t.id, len(inputs), len(moves), time.Since(start))
	t.logger.Info("compaction done",
		zap.String("version", ver.String()),
		zap.Int("inputs", len(inputs)),
		zap.Int("output_rows", len(moves)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (t *Tablet) commitCompaction(captured model.EditVersion, out *rowset.Rowset, moves []merger.Move) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.versions[len(t.versions)-1]
	if last.version != captured {
		return fmt.Errorf("%w: compacted %s but tablet is at %s", ErrConflict, captured, last.version)
	}

	newVer := model.EditVersion{Major: captured.Major, Minor: captured.Minor + 1}
	segBase := t.nextSegID
	out.SetVisible(newVer, segBase)

	entry := &versionEntry{
		version:    newVer,
		createdAt:  time.Now(),
		rowsets:    []model.RowsetID{out.ID()},
		compaction: true,
	}
	b := t.deps.Meta.NewBatch()
	t.stageLogLocked(b, entry)
	stageRowsetMeta(b, t.id, out.Meta())
	if err := t.deps.Meta.Apply(b); err != nil {
		return err
	}

	t.versions = append(t.versions, entry)
	t.rowsets[out.ID()] = out
	segCount := out.Meta().SegmentCount
	for i := 0; i < int(segCount); i++ {
		t.segIndex[segBase+model.SegmentID(i)] = segRef{rs: out, seg: i}
	}
	t.nextSegID += model.SegmentID(segCount)
	for _, mv := range moves {
		t.pkIndex.UpsertIf(mv.Key, mv.From, model.Location{Segment: segBase, Row: mv.ToRow})
	}
	t.lastCompaction = time.Now()
	return nil
}
