// Package model defines the identifiers and core value types shared by the
// tablet update engine: tablet identity, edit versions, row locations and
// table schemas.
package model

import "fmt"

// TabletID identifies a tablet (a horizontal partition shard of a table).
type TabletID int64

// SchemaHash identifies the schema revision a tablet was created with.
type SchemaHash int32

// RowsetID identifies an immutable rowset. It is globally unique.
type RowsetID string

// SegmentID identifies one data segment within a tablet. Segment IDs are
// allocated from a per-tablet counter when a rowset is applied, so a
// (SegmentID, row ordinal) pair addresses a physical row for the lifetime of
// the segment file.
type SegmentID uint32

// PrimaryKey is the primary key value of a row.
type PrimaryKey = int64

// Location is the physical position of the latest visible value of a key.
type Location struct {
	Segment SegmentID
	Row     uint32
}

// EditVersion identifies a point in a tablet's MVCC history.
//
// A full version has Minor == 0 and is addressable by queries. A non-zero
// Minor marks an internal sub-step, e.g. the state right after a compaction.
type EditVersion struct {
	Major uint64 `json:"major"`
	Minor uint32 `json:"minor"`
}

// Compare returns -1, 0 or 1 ordering v against o by (major, minor).
func (v EditVersion) Compare(o EditVersion) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v precedes o.
func (v EditVersion) Less(o EditVersion) bool { return v.Compare(o) < 0 }

func (v EditVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
