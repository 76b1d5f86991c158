package tablet

import (
	"fmt"
	"io"
	"sort"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// RowIterator reads the live rows of one version in rowset order. It holds
// references on the captured rowsets, so the data stays readable even if
// version GC or compaction later drops them from the history.
type RowIterator struct {
	schema    model.Schema
	version   model.EditVersion
	rowsets   []*rowset.Rowset
	delvecs   []*delvec.DelVector // parallel to flattened segments
	chunkSize int

	chunks []*chunk.Chunk
	seg    int
	row    int
	closed bool
}

// NewIterator captures a consistent view of the given major version
// (0 means the latest applied version).
func (t *Tablet) NewIterator(version uint64) (*RowIterator, error) {
	t.mu.Lock()
	if version == 0 {
		version = t.maxVersionLocked().Major
	}
	entry := t.entryForLocked(version)
	if entry == nil {
		earliest := t.versions[0].version.Major
		t.mu.Unlock()
		if version < earliest {
			return nil, fmt.Errorf("%w: version %d of tablet %d", ErrVersionExpired, version, t.id)
		}
		return nil, fmt.Errorf("%w: version %d of tablet %d", ErrNotFound, version, t.id)
	}

	it := &RowIterator{
		schema:    t.schema,
		version:   entry.version,
		chunkSize: t.deps.Config.ChunkSize,
	}
	for _, rid := range entry.rowsets {
		rs := t.rowsets[rid]
		rs.Ref()
		it.rowsets = append(it.rowsets, rs)
		m := rs.Meta()
		for i := 0; i < int(m.SegmentCount); i++ {
			it.delvecs = append(it.delvecs, t.latestDelVecLocked(m.SegIDBase+model.SegmentID(i), version))
		}
	}
	t.mu.Unlock()

	// segment IO happens outside the tablet lock
	for _, rs := range it.rowsets {
		chunks, err := rs.Chunks()
		if err != nil {
			it.Close()
			return nil, err
		}
		it.chunks = append(it.chunks, chunks...)
	}
	return it, nil
}

// Version returns the captured version.
func (it *RowIterator) Version() model.EditVersion { return it.version }

// Next returns the next batch of live rows, or io.EOF.
func (it *RowIterator) Next() (*chunk.Chunk, error) {
	if it.closed {
		return nil, fmt.Errorf("tablet: iterator closed")
	}
	out := chunk.New(it.schema, it.chunkSize)
	for it.seg < len(it.chunks) {
		ck := it.chunks[it.seg]
		dv := it.delvecs[it.seg]
		for it.row < ck.NumRows() {
			if dv != nil && dv.IsDeleted(uint32(it.row)) {
				it.row++
				continue
			}
			if err := out.AppendRowFrom(ck, it.row); err != nil {
				return nil, err
			}
			it.row++
			if out.NumRows() >= it.chunkSize {
				return out, nil
			}
		}
		it.seg++
		it.row = 0
	}
	if out.NumRows() == 0 {
		return nil, io.EOF
	}
	return out, nil
}

// Close releases the captured rowset references. Safe to call twice.
func (it *RowIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, rs := range it.rowsets {
		rs.Unref()
	}
}

// ReadRowCount returns the number of live rows at the given major version
// (0 means latest).
func (t *Tablet) ReadRowCount(version uint64) (int, error) {
	it, err := t.NewIterator(version)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for {
		ck, err := it.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n += ck.NumRows()
	}
}

// GetColumnValues fetches the values of the given columns at explicit
// physical row positions, grouped by segment. With withDefault, the first
// returned row of every column is its default value; callers use it for
// rows that have no previous version. Used by partial update reads.
func (t *Tablet) GetColumnValues(columnOrdinals []int, withDefault bool, rowids map[model.SegmentID][]uint32) ([]chunk.Column, error) {
	cols := make([]chunk.Column, len(columnOrdinals))
	for i, ci := range columnOrdinals {
		if ci < 0 || ci >= len(t.schema.Columns) {
			return nil, fmt.Errorf("%w: column ordinal %d", ErrValidation, ci)
		}
		cols[i] = chunk.NewColumn(t.schema.Columns[ci], 0)
		if withDefault {
			d, err := chunk.DefaultDatum(t.schema.Columns[ci])
			if err != nil {
				return nil, err
			}
			if err := cols[i].AppendDatum(d); err != nil {
				return nil, err
			}
		}
	}

	segs := make([]model.SegmentID, 0, len(rowids))
	for seg := range rowids {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(a, b int) bool { return segs[a] < segs[b] })

	for _, seg := range segs {
		t.mu.Lock()
		ref, ok := t.segIndex[seg]
		if ok {
			ref.rs.Ref()
		}
		t.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: segment %d", ErrNotFound, seg)
		}
		chunks, err := ref.rs.Chunks()
		if err != nil {
			ref.rs.Unref()
			return nil, err
		}
		ck := chunks[ref.seg]
		for _, row := range rowids[seg] {
			if int(row) >= ck.NumRows() {
				ref.rs.Unref()
				return nil, fmt.Errorf("%w: row %d of segment %d", ErrNotFound, row, seg)
			}
			for i, ci := range columnOrdinals {
				if err := cols[i].AppendFrom(ck.Cols[ci], int(row)); err != nil {
					ref.rs.Unref()
					return nil, err
				}
			}
		}
		ref.rs.Unref()
	}
	return cols, nil
}
