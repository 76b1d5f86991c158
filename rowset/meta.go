// Package rowset implements immutable rowsets: batches of upserted rows plus
// delete-marker keys, stored as compressed column segment files, plus the
// writer that produces them.
package rowset

import (
	"fmt"

	"github.com/tabletdb/tabletdb/model"
)

// State is the lifecycle state of a rowset.
type State uint8

const (
	// StatePending: committed to the tablet but not yet applied (an earlier
	// version is still missing).
	StatePending State = iota
	// StateCommitted: written and durable, waiting for apply.
	StateCommitted
	// StateVisible: applied; part of a visible version.
	StateVisible
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCommitted:
		return "COMMITTED"
	case StateVisible:
		return "VISIBLE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Meta is the persisted descriptor of a rowset.
type Meta struct {
	ID           model.RowsetID    `json:"id"`
	TabletID     model.TabletID    `json:"tablet_id"`
	SchemaHash   model.SchemaHash  `json:"schema_hash"`
	PartitionID  int64             `json:"partition_id"`
	TxnID        int64             `json:"txn_id"`
	Schema       model.Schema      `json:"schema"`
	SegmentCount uint32            `json:"segment_count"`
	RowCount     uint32            `json:"row_count"`
	DeleteCount  uint32            `json:"delete_count"`
	DataSize     int64             `json:"data_size"`
	State        State             `json:"state"`
	Version      model.EditVersion `json:"version"`
	// SegIDBase is the first tablet-wide segment ID assigned to this
	// rowset's segments at apply time.
	SegIDBase model.SegmentID `json:"seg_id_base"`
}

// SegmentFileName returns the file name of segment idx of rowset id.
func SegmentFileName(id model.RowsetID, idx int) string {
	return fmt.Sprintf("%s_%d.dat", id, idx)
}
