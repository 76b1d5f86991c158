// Package chunk provides typed in-memory column vectors and row batches.
// Chunks are the unit of data exchanged between rowset writers, the merge
// pipeline and readers.
package chunk

import (
	"fmt"
	"strconv"

	"github.com/tabletdb/tabletdb/model"
)

// Datum is a single column value: int16, int32, int64, string, or nil for
// SQL NULL.
type Datum = any

// Column is a growable vector of values of one type.
type Column interface {
	Type() model.ColumnType
	Len() int
	// Datum returns the value at row i, nil if the row is NULL.
	Datum(i int) Datum
	// AppendDatum appends one value. Appending nil to a non-nullable column
	// is an error.
	AppendDatum(d Datum) error
	// AppendFrom appends row i of src, which must have the same type.
	AppendFrom(src Column, i int) error
}

// NewColumn creates an empty column for the given spec.
func NewColumn(spec model.ColumnSpec, capacity int) Column {
	switch spec.Type {
	case model.TypeInt16:
		return &Int16Column{nullable: spec.Nullable, vals: make([]int16, 0, capacity)}
	case model.TypeInt32:
		return &Int32Column{nullable: spec.Nullable, vals: make([]int32, 0, capacity)}
	case model.TypeInt64:
		return &Int64Column{nullable: spec.Nullable, vals: make([]int64, 0, capacity)}
	case model.TypeString:
		return &StringColumn{nullable: spec.Nullable, vals: make([]string, 0, capacity)}
	default:
		panic(fmt.Sprintf("chunk: unknown column type %v", spec.Type))
	}
}

// DefaultDatum parses the default value of spec into a Datum. A nullable
// column without an explicit default defaults to NULL.
func DefaultDatum(spec model.ColumnSpec) (Datum, error) {
	if spec.Default == "" {
		if spec.Nullable {
			return nil, nil
		}
		switch spec.Type {
		case model.TypeInt16:
			return int16(0), nil
		case model.TypeInt32:
			return int32(0), nil
		case model.TypeInt64:
			return int64(0), nil
		case model.TypeString:
			return "", nil
		}
	}
	switch spec.Type {
	case model.TypeInt16:
		v, err := strconv.ParseInt(spec.Default, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("column %q: bad default %q: %w", spec.Name, spec.Default, err)
		}
		return int16(v), nil
	case model.TypeInt32:
		v, err := strconv.ParseInt(spec.Default, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("column %q: bad default %q: %w", spec.Name, spec.Default, err)
		}
		return int32(v), nil
	case model.TypeInt64:
		v, err := strconv.ParseInt(spec.Default, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: bad default %q: %w", spec.Name, spec.Default, err)
		}
		return v, nil
	case model.TypeString:
		return spec.Default, nil
	}
	return nil, fmt.Errorf("column %q: unknown type %v", spec.Name, spec.Type)
}

// Int16Column is a vector of int16 values with an optional null bitmap.
type Int16Column struct {
	nullable bool
	vals     []int16
	nulls    []bool
}

func (c *Int16Column) Type() model.ColumnType { return model.TypeInt16 }
func (c *Int16Column) Len() int               { return len(c.vals) }
func (c *Int16Column) Values() []int16        { return c.vals }
func (c *Int16Column) Nulls() []bool          { return c.nulls }

func (c *Int16Column) Datum(i int) Datum {
	if c.nulls != nil && c.nulls[i] {
		return nil
	}
	return c.vals[i]
}

func (c *Int16Column) AppendDatum(d Datum) error {
	if d == nil {
		return c.appendNull()
	}
	v, ok := d.(int16)
	if !ok {
		return fmt.Errorf("chunk: cannot append %T to SMALLINT column", d)
	}
	c.vals = append(c.vals, v)
	if c.nulls != nil {
		c.nulls = append(c.nulls, false)
	}
	return nil
}

func (c *Int16Column) appendNull() error {
	if !c.nullable {
		return fmt.Errorf("chunk: NULL in non-nullable SMALLINT column")
	}
	if c.nulls == nil {
		c.nulls = make([]bool, len(c.vals))
	}
	c.vals = append(c.vals, 0)
	c.nulls = append(c.nulls, true)
	return nil
}

func (c *Int16Column) AppendFrom(src Column, i int) error { return c.AppendDatum(src.Datum(i)) }

// Int32Column is a vector of int32 values with an optional null bitmap.
type Int32Column struct {
	nullable bool
	vals     []int32
	nulls    []bool
}

func (c *Int32Column) Type() model.ColumnType { return model.TypeInt32 }
func (c *Int32Column) Len() int               { return len(c.vals) }
func (c *Int32Column) Values() []int32        { return c.vals }
func (c *Int32Column) Nulls() []bool          { return c.nulls }

func (c *Int32Column) Datum(i int) Datum {
	if c.nulls != nil && c.nulls[i] {
		return nil
	}
	return c.vals[i]
}

func (c *Int32Column) AppendDatum(d Datum) error {
	if d == nil {
		return c.appendNull()
	}
	v, ok := d.(int32)
	if !ok {
		return fmt.Errorf("chunk: cannot append %T to INT column", d)
	}
	c.vals = append(c.vals, v)
	if c.nulls != nil {
		c.nulls = append(c.nulls, false)
	}
	return nil
}

func (c *Int32Column) appendNull() error {
	if !c.nullable {
		return fmt.Errorf("chunk: NULL in non-nullable INT column")
	}
	if c.nulls == nil {
		c.nulls = make([]bool, len(c.vals))
	}
	c.vals = append(c.vals, 0)
	c.nulls = append(c.nulls, true)
	return nil
}

func (c *Int32Column) AppendFrom(src Column, i int) error { return c.AppendDatum(src.Datum(i)) }

// Int64Column is a vector of int64 values with an optional null bitmap.
type Int64Column struct {
	nullable bool
	vals     []int64
	nulls    []bool
}

func (c *Int64Column) Type() model.ColumnType { return model.TypeInt64 }
func (c *Int64Column) Len() int               { return len(c.vals) }
func (c *Int64Column) Values() []int64        { return c.vals }
func (c *Int64Column) Nulls() []bool          { return c.nulls }

func (c *Int64Column) Datum(i int) Datum {
	if c.nulls != nil && c.nulls[i] {
		return nil
	}
	return c.vals[i]
}

func (c *Int64Column) AppendDatum(d Datum) error {
	if d == nil {
		return c.appendNull()
	}
	v, ok := d.(int64)
	if !ok {
		return fmt.Errorf("chunk: cannot append %T to BIGINT column", d)
	}
	c.vals = append(c.vals, v)
	if c.nulls != nil {
		c.nulls = append(c.nulls, false)
	}
	return nil
}

func (c *Int64Column) appendNull() error {
	if !c.nullable {
		return fmt.Errorf("chunk: NULL in non-nullable BIGINT column")
	}
	if c.nulls == nil {
		c.nulls = make([]bool, len(c.vals))
	}
	c.vals = append(c.vals, 0)
	c.nulls = append(c.nulls, true)
	return nil
}

func (c *Int64Column) AppendFrom(src Column, i int) error { return c.AppendDatum(src.Datum(i)) }

// StringColumn is a vector of string values with an optional null bitmap.
type StringColumn struct {
	nullable bool
	vals     []string
	nulls    []bool
}

func (c *StringColumn) Type() model.ColumnType { return model.TypeString }
func (c *StringColumn) Len() int               { return len(c.vals) }
func (c *StringColumn) Values() []string       { return c.vals }
func (c *StringColumn) Nulls() []bool          { return c.nulls }

func (c *StringColumn) Datum(i int) Datum {
	if c.nulls != nil && c.nulls[i] {
		return nil
	}
	return c.vals[i]
}

func (c *StringColumn) AppendDatum(d Datum) error {
	if d == nil {
		return c.appendNull()
	}
	v, ok := d.(string)
	if !ok {
		return fmt.Errorf("chunk: cannot append %T to VARCHAR column", d)
	}
	c.vals = append(c.vals, v)
	if c.nulls != nil {
		c.nulls = append(c.nulls, false)
	}
	return nil
}

func (c *StringColumn) appendNull() error {
	if !c.nullable {
		return fmt.Errorf("chunk: NULL in non-nullable VARCHAR column")
	}
	if c.nulls == nil {
		c.nulls = make([]bool, len(c.vals))
	}
	c.vals = append(c.vals, "")
	c.nulls = append(c.nulls, true)
	return nil
}

func (c *StringColumn) AppendFrom(src Column, i int) error { return c.AppendDatum(src.Datum(i)) }
