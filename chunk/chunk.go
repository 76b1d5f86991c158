package chunk

import (
	"fmt"
	"sort"

	"github.com/tabletdb/tabletdb/model"
)

// Chunk is a batch of rows laid out column by column.
type Chunk struct {
	Schema model.Schema
	Cols   []Column
}

// New creates an empty chunk for the given schema.
func New(schema model.Schema, capacity int) *Chunk {
	cols := make([]Column, len(schema.Columns))
	for i, spec := range schema.Columns {
		cols[i] = NewColumn(spec, capacity)
	}
	return &Chunk{Schema: schema, Cols: cols}
}

// FromColumns wraps pre-built columns. All columns must have equal length.
func FromColumns(schema model.Schema, cols []Column) (*Chunk, error) {
	if len(cols) != len(schema.Columns) {
		return nil, fmt.Errorf("chunk: %d columns for %d-column schema", len(cols), len(schema.Columns))
	}
	for i := 1; i < len(cols); i++ {
		if cols[i].Len() != cols[0].Len() {
			return nil, fmt.Errorf("chunk: ragged columns (%d vs %d rows)", cols[i].Len(), cols[0].Len())
		}
	}
	return &Chunk{Schema: schema, Cols: cols}, nil
}

// NumRows returns the number of rows in the chunk.
func (c *Chunk) NumRows() int {
	if len(c.Cols) == 0 {
		return 0
	}
	return c.Cols[0].Len()
}

// AppendRow appends one row. len(vals) must equal the column count.
func (c *Chunk) AppendRow(vals ...Datum) error {
	if len(vals) != len(c.Cols) {
		return fmt.Errorf("chunk: %d values for %d columns", len(vals), len(c.Cols))
	}
	for i, v := range vals {
		if err := c.Cols[i].AppendDatum(v); err != nil {
			return err
		}
	}
	return nil
}

// AppendRowFrom appends row i of src. Schemas must match column for column.
func (c *Chunk) AppendRowFrom(src *Chunk, i int) error {
	for ci, col := range c.Cols {
		if err := col.AppendFrom(src.Cols[ci], i); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the primary key value of row i as an int64 regardless of the
// key column's integer width.
func (c *Chunk) Key(i int) model.PrimaryKey {
	ki := c.Schema.KeyIndex()
	switch col := c.Cols[ki].(type) {
	case *Int16Column:
		return int64(col.Values()[i])
	case *Int32Column:
		return int64(col.Values()[i])
	case *Int64Column:
		return col.Values()[i]
	default:
		panic(fmt.Sprintf("chunk: key column has non-integer type %v", col.Type()))
	}
}

// SortByKey reorders the rows of c into ascending primary key order. The
// sort is stable so equal keys keep their original relative order.
func (c *Chunk) SortByKey() *Chunk {
	n := c.NumRows()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return c.Key(perm[a]) < c.Key(perm[b]) })
	sorted := true
	for i, p := range perm {
		if p != i {
			sorted = false
			break
		}
	}
	if sorted {
		return c
	}
	out := New(c.Schema, n)
	for _, p := range perm {
		// appending a row of the same schema cannot fail
		_ = out.AppendRowFrom(c, p)
	}
	return out
}
