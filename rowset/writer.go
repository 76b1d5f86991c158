package rowset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/model"
)

// WriterContext carries the identity of the rowset being written.
type WriterContext struct {
	Dir         string
	RowsetID    model.RowsetID // generated if empty
	TabletID    model.TabletID
	SchemaHash  model.SchemaHash
	PartitionID int64
	TxnID       int64
	Schema      model.Schema
	// MaxRowsPerSegment splits sink output into multiple segments.
	// Zero means a single segment.
	MaxRowsPerSegment int
}

// Writer builds one rowset. It accepts whole sorted chunks via FlushChunk
// (the load path) or acts as a merge Sink (the compaction path), then
// materializes segment files with Build.
type Writer struct {
	ctx     WriterContext
	mu      sync.Mutex
	staged  []*chunk.Chunk
	deletes []model.PrimaryKey
	accum   *chunk.Chunk
	vcols   []chunk.Column
	built   bool
}

// NewWriter creates a writer. The rowset directory must already exist.
func NewWriter(ctx WriterContext) (*Writer, error) {
	if ctx.RowsetID == "" {
		ctx.RowsetID = model.RowsetID(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	if _, err := os.Stat(ctx.Dir); err != nil {
		return nil, fmt.Errorf("rowset: writer dir: %w", err)
	}
	return &Writer{ctx: ctx}, nil
}

// RowsetID returns the ID the built rowset will carry.
func (w *Writer) RowsetID() model.RowsetID { return w.ctx.RowsetID }

// FlushChunk stages ck as one segment, sorting its rows by primary key.
func (w *Writer) FlushChunk(ck *chunk.Chunk) error {
	return w.FlushChunkWithDeletes(ck, nil)
}

// FlushChunkWithDeletes stages ck as one segment together with
// delete-marker keys. Either part may be empty.
func (w *Writer) FlushChunkWithDeletes(ck *chunk.Chunk, deletes []model.PrimaryKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ck != nil && ck.NumRows() > 0 {
		w.staged = append(w.staged, ck.SortByKey())
	}
	w.deletes = append(w.deletes, deletes...)
	return nil
}

// AddChunk implements Sink for the horizontal merge path. Rows arrive
// already in key order.
func (w *Writer) AddChunk(ck *chunk.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.accum == nil {
		w.accum = chunk.New(w.ctx.Schema, ck.NumRows())
	}
	for i := 0; i < ck.NumRows(); i++ {
		if err := w.accum.AppendRowFrom(ck, i); err != nil {
			return err
		}
		if w.ctx.MaxRowsPerSegment > 0 && w.accum.NumRows() >= w.ctx.MaxRowsPerSegment {
			w.staged = append(w.staged, w.accum)
			w.accum = chunk.New(w.ctx.Schema, w.ctx.MaxRowsPerSegment)
		}
	}
	return nil
}

// AddColumns implements Sink for the vertical merge path. Each column index
// is written by exactly one goroutine, so no lock is needed around the
// per-column appends.
func (w *Writer) AddColumns(ck *chunk.Chunk, columnIndexes []int, isKey bool) error {
	if len(columnIndexes) != len(ck.Cols) {
		return fmt.Errorf("rowset: %d column indexes for %d columns", len(columnIndexes), len(ck.Cols))
	}
	w.mu.Lock()
	if w.vcols == nil {
		w.vcols = make([]chunk.Column, len(w.ctx.Schema.Columns))
	}
	for _, ci := range columnIndexes {
		if w.vcols[ci] == nil {
			w.vcols[ci] = chunk.NewColumn(w.ctx.Schema.Columns[ci], ck.NumRows())
		}
	}
	w.mu.Unlock()

	for j, ci := range columnIndexes {
		src := ck.Cols[j]
		dst := w.vcols[ci]
		for i := 0; i < src.Len(); i++ {
			if err := dst.AppendFrom(src, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Build writes the segment files and returns the finished rowset in
// COMMITTED state. The caller owns the returned reference.
func (w *Writer) Build() (*Rowset, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.built {
		return nil, fmt.Errorf("rowset: writer already built")
	}
	w.built = true

	if w.vcols != nil {
		for ci := range w.vcols {
			if w.vcols[ci] == nil {
				w.vcols[ci] = chunk.NewColumn(w.ctx.Schema.Columns[ci], 0)
			}
		}
		ck, err := chunk.FromColumns(w.ctx.Schema, w.vcols)
		if err != nil {
			return nil, err
		}
		w.staged = append(w.staged, ck)
	} else if w.accum != nil && w.accum.NumRows() > 0 {
		w.staged = append(w.staged, w.accum)
	}
	if len(w.staged) == 0 && len(w.deletes) > 0 {
		// delete-only rowset still needs a segment file to carry the keys
		w.staged = append(w.staged, chunk.New(w.ctx.Schema, 0))
	}

	m := Meta{
		ID:           w.ctx.RowsetID,
		TabletID:     w.ctx.TabletID,
		SchemaHash:   w.ctx.SchemaHash,
		PartitionID:  w.ctx.PartitionID,
		TxnID:        w.ctx.TxnID,
		Schema:       w.ctx.Schema,
		SegmentCount: uint32(len(w.staged)),
		DeleteCount:  uint32(len(w.deletes)),
		State:        StateCommitted,
	}
	for i, ck := range w.staged {
		var dels []model.PrimaryKey
		if i == 0 {
			dels = w.deletes
		}
		size, err := WriteSegmentFile(filepath.Join(w.ctx.Dir, SegmentFileName(m.ID, i)), ck, dels)
		if err != nil {
			return nil, err
		}
		m.RowCount += uint32(ck.NumRows())
		m.DataSize += size
	}
	return Open(w.ctx.Dir, m), nil
}
