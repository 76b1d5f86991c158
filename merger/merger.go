// Package merger merges the live rows of several rowsets into one, in
// primary key order. Two strategies produce identical logical output: a
// horizontal k-way row merge, and a vertical merge that resolves row order
// on the key column first and then copies value columns group by group with
// a lower peak memory footprint.
package merger

import (
	"container/heap"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// Algorithm selects the merge strategy.
type Algorithm uint8

const (
	// AlgorithmAuto picks vertical when the schema is wide, horizontal
	// otherwise.
	AlgorithmAuto Algorithm = iota
	AlgorithmHorizontal
	AlgorithmVertical
)

// Config tunes a merge run.
type Config struct {
	// ChunkSize is the row batch size handed to the sink.
	ChunkSize int
	Algorithm Algorithm
	// MaxColumnsPerGroup bounds one vertical pass; with AlgorithmAuto a
	// schema wider than this goes vertical.
	MaxColumnsPerGroup int
	// MemoryBudget, when positive, forces vertical merge if the estimated
	// full-row working set exceeds it.
	MemoryBudget int64
}

const (
	defaultChunkSize          = 4096
	defaultMaxColumnsPerGroup = 5
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.MaxColumnsPerGroup <= 0 {
		c.MaxColumnsPerGroup = defaultMaxColumnsPerGroup
	}
	return c
}

// Input is one source rowset and its delete vectors resolved at the merge
// version, keyed by tablet-wide segment ID. Inputs must be ordered from
// oldest to newest version; on duplicate keys the newest input wins.
type Input struct {
	Rowset  *rowset.Rowset
	DelVecs map[model.SegmentID]*delvec.DelVector
}

// Move records where one surviving key ended up: its old physical location
// and its row ordinal in the (single-segment) output.
type Move struct {
	Key   model.PrimaryKey
	From  model.Location
	ToRow uint32
}

// Merge merges the live rows of inputs into sink and returns the location
// moves for primary key index maintenance.
func Merge(schema model.Schema, inputs []Input, sink rowset.Sink, cfg Config) ([]Move, error) {
	cfg = cfg.withDefaults()
	cursors, totalRows, err := openCursors(inputs)
	if err != nil {
		return nil, err
	}

	algo := cfg.Algorithm
	if algo == AlgorithmAuto {
		algo = AlgorithmHorizontal
		if len(schema.Columns) > cfg.MaxColumnsPerGroup {
			algo = AlgorithmVertical
		}
		if cfg.MemoryBudget > 0 && estimateRowBytes(schema)*totalRows > cfg.MemoryBudget {
			algo = AlgorithmVertical
		}
	}

	switch algo {
	case AlgorithmHorizontal:
		return mergeHorizontal(schema, cursors, sink, cfg)
	case AlgorithmVertical:
		return mergeVertical(schema, cursors, sink, cfg)
	default:
		return nil, fmt.Errorf("merger: unknown algorithm %d", algo)
	}
}

func estimateRowBytes(schema model.Schema) int64 {
	var n int64
	for _, c := range schema.Columns {
		switch c.Type {
		case model.TypeInt16:
			n += 2
		case model.TypeInt32:
			n += 4
		case model.TypeInt64:
			n += 8
		case model.TypeString:
			n += 32
		}
	}
	return n
}

// cursor walks the live rows of one input rowset in key order.
type cursor struct {
	idx     int
	chunks  []*chunk.Chunk
	segBase model.SegmentID
	delvecs map[model.SegmentID]*delvec.DelVector
	seg     int
	row     int
}

func openCursors(inputs []Input) ([]*cursor, int64, error) {
	cursors := make([]*cursor, 0, len(inputs))
	var total int64
	for i, in := range inputs {
		chunks, err := in.Rowset.Chunks()
		if err != nil {
			return nil, 0, err
		}
		m := in.Rowset.Meta()
		total += int64(m.RowCount)
		c := &cursor{idx: i, chunks: chunks, segBase: m.SegIDBase, delvecs: in.DelVecs}
		c.skipDead()
		cursors = append(cursors, c)
	}
	return cursors, total, nil
}

func (c *cursor) valid() bool { return c.seg < len(c.chunks) }

func (c *cursor) skipDead() {
	for c.seg < len(c.chunks) {
		ck := c.chunks[c.seg]
		for c.row < ck.NumRows() {
			dv := c.delvecs[c.segBase+model.SegmentID(c.seg)]
			if dv == nil || !dv.IsDeleted(uint32(c.row)) {
				return
			}
			c.row++
		}
		c.seg++
		c.row = 0
	}
}

func (c *cursor) key() model.PrimaryKey { return c.chunks[c.seg].Key(c.row) }

func (c *cursor) location() model.Location {
	return model.Location{Segment: c.segBase + model.SegmentID(c.seg), Row: uint32(c.row)}
}

func (c *cursor) chunkRow() (*chunk.Chunk, int) { return c.chunks[c.seg], c.row }

func (c *cursor) advance() {
	c.row++
	c.skipDead()
}

// cursorHeap orders cursors by key, newest input first on ties so the
// winner of a duplicate key pops first.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(a, b int) bool {
	ka, kb := h[a].key(), h[b].key()
	if ka != kb {
		return ka < kb
	}
	return h[a].idx > h[b].idx
}
func (h cursorHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeRows runs the k-way merge and calls emit for each surviving row in
// key order. Duplicate keys across inputs resolve to the newest input.
func mergeRows(cursors []*cursor, emit func(c *cursor) error) error {
	h := make(cursorHeap, 0, len(cursors))
	for _, c := range cursors {
		if c.valid() {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	haveLast := false
	var lastKey model.PrimaryKey
	for h.Len() > 0 {
		c := h[0]
		k := c.key()
		if !haveLast || k != lastKey {
			if err := emit(c); err != nil {
				return err
			}
			lastKey, haveLast = k, true
		}
		c.advance()
		if c.valid() {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	return nil
}

func mergeHorizontal(schema model.Schema, cursors []*cursor, sink rowset.Sink, cfg Config) ([]Move, error) {
	var moves []Move
	out := chunk.New(schema, cfg.ChunkSize)
	outRow := uint32(0)

	flush := func() error {
		if out.NumRows() == 0 {
			return nil
		}
		if err := sink.AddChunk(out); err != nil {
			return err
		}
		out = chunk.New(schema, cfg.ChunkSize)
		return nil
	}

	err := mergeRows(cursors, func(c *cursor) error {
		ck, row := c.chunkRow()
		if err := out.AppendRowFrom(ck, row); err != nil {
			return err
		}
		moves = append(moves, Move{Key: c.key(), From: c.location(), ToRow: outRow})
		outRow++
		if out.NumRows() >= cfg.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return moves, nil
}

// rowSource addresses one surviving source row resolved by the key pass.
type rowSource struct {
	cursor *cursor
	seg    int
	row    int
}

func mergeVertical(schema model.Schema, cursors []*cursor, sink rowset.Sink, cfg Config) ([]Move, error) {
	ki := schema.KeyIndex()
	keySchema := model.Schema{Columns: []model.ColumnSpec{schema.Columns[ki]}}

	// key pass: fix the output row order and emit the key column
	var moves []Move
	var sources []rowSource
	keyOut := chunk.New(keySchema, cfg.ChunkSize)
	flushKeys := func() error {
		if keyOut.NumRows() == 0 {
			return nil
		}
		if err := sink.AddColumns(keyOut, []int{ki}, true); err != nil {
			return err
		}
		keyOut = chunk.New(keySchema, cfg.ChunkSize)
		return nil
	}
	err := mergeRows(cursors, func(c *cursor) error {
		ck, row := c.chunkRow()
		if err := keyOut.Cols[0].AppendFrom(ck.Cols[ki], row); err != nil {
			return err
		}
		moves = append(moves, Move{Key: c.key(), From: c.location(), ToRow: uint32(len(sources))})
		sources = append(sources, rowSource{cursor: c, seg: c.seg, row: c.row})
		if keyOut.NumRows() >= cfg.ChunkSize {
			return flushKeys()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flushKeys(); err != nil {
		return nil, err
	}

	// value passes: one column group at a time, groups in parallel
	var groups [][]int
	var cur []int
	for _, ci := range schema.ValueIndexes() {
		cur = append(cur, ci)
		if len(cur) >= cfg.MaxColumnsPerGroup {
			groups = append(groups, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	var g errgroup.Group
	for _, group := range groups {
		group := group
		g.Go(func() error {
			specs := make([]model.ColumnSpec, len(group))
			for j, ci := range group {
				specs[j] = schema.Columns[ci]
			}
			subSchema := model.Schema{Columns: specs}
			out := chunk.New(subSchema, cfg.ChunkSize)
			for i := 0; i < len(sources); i++ {
				src := sources[i]
				ck := src.cursor.chunks[src.seg]
				for j, ci := range group {
					if err := out.Cols[j].AppendFrom(ck.Cols[ci], src.row); err != nil {
						return err
					}
				}
				if out.NumRows() >= cfg.ChunkSize {
					if err := sink.AddColumns(out, group, false); err != nil {
						return err
					}
					out = chunk.New(subSchema, cfg.ChunkSize)
				}
			}
			if out.NumRows() > 0 {
				return sink.AddColumns(out, group, false)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return moves, nil
}
