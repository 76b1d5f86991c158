// Package delvec implements versioned delete vectors. A delete vector marks
// the rows of one segment that are logically deleted as of some version;
// each version that deletes more rows of a segment produces a new immutable
// generation, so readers at older versions keep their view.
package delvec

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

const formatHasBitmap byte = 0x01

// DelVector is one immutable generation of a segment's delete marks.
type DelVector struct {
	version uint64
	bitmap  *roaring.Bitmap
}

// New returns an empty delete vector at the given version.
func New(version uint64) *DelVector {
	return &DelVector{version: version, bitmap: roaring.New()}
}

// Version returns the version this generation was created at.
func (d *DelVector) Version() uint64 { return d.version }

// Cardinality returns the number of deleted rows.
func (d *DelVector) Cardinality() uint64 { return d.bitmap.GetCardinality() }

// IsDeleted reports whether row is marked deleted.
func (d *DelVector) IsDeleted(row uint32) bool { return d.bitmap.Contains(row) }

// NewVersion clones d, adds the given rows and stamps the clone with
// version. d itself is never mutated.
func (d *DelVector) NewVersion(rows []uint32, version uint64) *DelVector {
	nd := &DelVector{version: version, bitmap: d.bitmap.Clone()}
	nd.bitmap.AddMany(rows)
	return nd
}

// Marshal serializes the delete vector payload (a format flag byte followed
// by the bitmap bytes). The version is keyed externally by the meta store.
func (d *DelVector) Marshal() ([]byte, error) {
	body, err := d.bitmap.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("delvec: marshal bitmap: %w", err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, formatHasBitmap)
	return append(out, body...), nil
}

// Unmarshal parses a payload produced by Marshal into a delete vector at
// the given version.
func Unmarshal(version uint64, data []byte) (*DelVector, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("delvec: empty payload")
	}
	d := New(version)
	switch data[0] {
	case formatHasBitmap:
		if err := d.bitmap.UnmarshalBinary(data[1:]); err != nil {
			return nil, fmt.Errorf("delvec: unmarshal bitmap: %w", err)
		}
	default:
		return nil, fmt.Errorf("delvec: unknown format flag 0x%02x", data[0])
	}
	return d, nil
}
