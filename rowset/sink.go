package rowset

import (
	"fmt"
	"sync"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/model"
)

// Sink receives merged output rows. The horizontal merge path delivers whole
// rows via AddChunk; the vertical path delivers the key column first and the
// remaining columns group by group via AddColumns. Calls for disjoint column
// sets may run concurrently; AddChunk calls never do.
type Sink interface {
	AddChunk(ck *chunk.Chunk) error
	AddColumns(ck *chunk.Chunk, columnIndexes []int, isKey bool) error
}

// MemorySink collects merged output in memory. It is used by tests and by
// callers that inspect merge output without materializing a rowset.
type MemorySink struct {
	mu     sync.Mutex
	schema model.Schema
	keys   []model.PrimaryKey
	cols   []chunk.Column
}

// NewMemorySink creates a sink for the given schema.
func NewMemorySink(schema model.Schema) *MemorySink {
	cols := make([]chunk.Column, len(schema.Columns))
	for i, spec := range schema.Columns {
		cols[i] = chunk.NewColumn(spec, 0)
	}
	return &MemorySink{schema: schema, cols: cols}
}

// AddChunk appends all rows of ck.
func (s *MemorySink) AddChunk(ck *chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < ck.NumRows(); i++ {
		s.keys = append(s.keys, ck.Key(i))
	}
	for ci, col := range ck.Cols {
		for i := 0; i < col.Len(); i++ {
			if err := s.cols[ci].AppendFrom(col, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddColumns appends the given columns of ck. columnIndexes addresses the
// sink's schema; ck holds exactly those columns in order.
func (s *MemorySink) AddColumns(ck *chunk.Chunk, columnIndexes []int, isKey bool) error {
	if len(columnIndexes) != len(ck.Cols) {
		return fmt.Errorf("rowset: %d column indexes for %d columns", len(columnIndexes), len(ck.Cols))
	}
	if isKey {
		s.mu.Lock()
		for i := 0; i < ck.NumRows(); i++ {
			s.keys = append(s.keys, ck.Key(i))
		}
		s.mu.Unlock()
	}
	for j, ci := range columnIndexes {
		src := ck.Cols[j]
		for i := 0; i < src.Len(); i++ {
			if err := s.cols[ci].AppendFrom(src, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys returns all collected primary keys in output order.
func (s *MemorySink) Keys() []model.PrimaryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

// Column returns the collected column at schema ordinal ci.
func (s *MemorySink) Column(ci int) chunk.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols[ci]
}

// NumRows returns the number of collected rows (by the key column).
func (s *MemorySink) NumRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
