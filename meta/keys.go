package meta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tabletdb/tabletdb/model"
)

// Key layouts. All numeric components are fixed-width hex so lexicographic
// key order matches numeric order and prefix scans stay cheap.

// TabletKey is the checkpoint key of a tablet in CFMeta.
func TabletKey(id model.TabletID) string {
	return fmt.Sprintf("%016x", uint64(id))
}

// LogKey identifies one apply log record in CFLog.
func LogKey(id model.TabletID, logID uint64) string {
	return fmt.Sprintf("%016x_%016x", uint64(id), logID)
}

// LogPrefix scans all log records of a tablet.
func LogPrefix(id model.TabletID) string {
	return fmt.Sprintf("%016x_", uint64(id))
}

// RowsetKey identifies one visible rowset record in CFRowset.
func RowsetKey(id model.TabletID, rsid model.RowsetID) string {
	return fmt.Sprintf("%016x_%s", uint64(id), rsid)
}

// RowsetPrefix scans all rowset records of a tablet.
func RowsetPrefix(id model.TabletID) string {
	return fmt.Sprintf("%016x_", uint64(id))
}

// DelVecKey identifies one delete vector generation in CFDelVec.
func DelVecKey(id model.TabletID, seg model.SegmentID, version uint64) string {
	return fmt.Sprintf("%016x_%08x_%016x", uint64(id), uint32(seg), version)
}

// DelVecPrefix scans all delete vector generations of a tablet.
func DelVecPrefix(id model.TabletID) string {
	return fmt.Sprintf("%016x_", uint64(id))
}

// ParseDelVecKey recovers (segment, version) from a key produced by
// DelVecKey, with the tablet prefix already stripped.
func ParseDelVecKey(key string) (model.SegmentID, uint64, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("meta: malformed delvec key %q", key)
	}
	seg, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("meta: malformed delvec key %q: %w", key, err)
	}
	ver, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("meta: malformed delvec key %q: %w", key, err)
	}
	return model.SegmentID(seg), ver, nil
}

// PendingKey identifies one committed-but-unapplied rowset in CFPending,
// keyed by its target version.
func PendingKey(id model.TabletID, version uint64) string {
	return fmt.Sprintf("%016x_%016x", uint64(id), version)
}

// PendingPrefix scans all pending rowsets of a tablet.
func PendingPrefix(id model.TabletID) string {
	return fmt.Sprintf("%016x_", uint64(id))
}

// ParsePendingKey recovers the version from a pending key with the tablet
// prefix already stripped.
func ParsePendingKey(key string) (uint64, error) {
	v, err := strconv.ParseUint(key, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("meta: malformed pending key %q: %w", key, err)
	}
	return v, nil
}
