package model

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ColumnType enumerates the supported column value types.
type ColumnType uint8

const (
	TypeInt16 ColumnType = iota + 1
	TypeInt32
	TypeInt64
	TypeString
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt16:
		return "SMALLINT"
	case TypeInt32:
		return "INT"
	case TypeInt64:
		return "BIGINT"
	case TypeString:
		return "VARCHAR"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// ColumnSpec describes one column of a tablet schema.
type ColumnSpec struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	IsKey    bool       `json:"is_key"`
	Nullable bool       `json:"nullable,omitempty"`
	Default  string     `json:"default,omitempty"`
}

// Schema is an ordered list of columns. Key columns come first.
type Schema struct {
	Columns []ColumnSpec `json:"columns"`
}

// KeyIndex returns the ordinal of the primary key column, or -1.
func (s Schema) KeyIndex() int {
	for i, c := range s.Columns {
		if c.IsKey {
			return i
		}
	}
	return -1
}

// ValueIndexes returns the ordinals of all non-key columns.
func (s Schema) ValueIndexes() []int {
	idx := make([]int, 0, len(s.Columns))
	for i, c := range s.Columns {
		if !c.IsKey {
			idx = append(idx, i)
		}
	}
	return idx
}

// Validate checks that the schema has exactly one leading key column of an
// integer type.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if !s.Columns[0].IsKey {
		return fmt.Errorf("first column %q must be the primary key", s.Columns[0].Name)
	}
	for i, c := range s.Columns {
		if c.IsKey && i > 0 {
			return fmt.Errorf("composite keys not supported: column %q", c.Name)
		}
		if c.IsKey && c.Type == TypeString {
			return fmt.Errorf("key column %q must be an integer type", c.Name)
		}
		if c.IsKey && c.Nullable {
			return fmt.Errorf("key column %q cannot be nullable", c.Name)
		}
	}
	return nil
}

// Hash digests the column layout into a SchemaHash. Two schemas with the same
// columns in the same order hash equal.
func (s Schema) Hash() SchemaHash {
	d := xxhash.New()
	for _, c := range s.Columns {
		fmt.Fprintf(d, "%s|%d|%t|%t|%s;", c.Name, c.Type, c.IsKey, c.Nullable, c.Default)
	}
	return SchemaHash(d.Sum64() & 0x7fffffff)
}
