// Package snapshot builds and parses tablet snapshot directories used for
// clone and restore. A snapshot directory holds hard links of the source
// rowset segment files plus one compressed meta file describing them.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"

	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// Type discriminates snapshot kinds.
type Type string

const (
	// TypeFull captures every rowset visible at one version.
	TypeFull Type = "full"
	// TypeIncremental captures the delta rowsets of specific versions.
	TypeIncremental Type = "incremental"
)

// MetaFileName is the meta file inside a snapshot directory.
const MetaFileName = "meta"

const metaFormat = 1

// VersionEdit records which rowset a given version added (incremental
// snapshots replay these in order on the destination).
type VersionEdit struct {
	Version  uint64         `json:"version"`
	RowsetID model.RowsetID `json:"rowset_id"`
}

// DelVecRecord carries one delete vector generation of a full snapshot.
type DelVecRecord struct {
	Segment model.SegmentID `json:"segment"`
	Version uint64          `json:"version"`
	Data    []byte          `json:"data"`
}

// Meta describes a snapshot directory.
type Meta struct {
	Format          int              `json:"format"`
	Type            Type             `json:"type"`
	TabletID        model.TabletID   `json:"tablet_id"`
	SchemaHash      model.SchemaHash `json:"schema_hash"`
	Schema          model.Schema     `json:"schema"`
	SnapshotVersion uint64           `json:"snapshot_version"`
	Rowsets         []rowset.Meta    `json:"rowsets"`
	Edits           []VersionEdit    `json:"edits,omitempty"`
	DelVecs         []DelVecRecord   `json:"delvecs,omitempty"`
	// MaxSegID is the highest tablet-wide segment ID in use at the
	// snapshot version; the destination resumes allocation above it.
	MaxSegID model.SegmentID `json:"max_seg_id"`
}

// WriteMeta serializes m into dir (s2-compressed JSON, atomic rename).
func WriteMeta(m *Meta, dir string) error {
	m.Format = metaFormat
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("snapshot: marshal meta: %w", err)
	}
	tmp := filepath.Join(dir, MetaFileName+".tmp")
	if err := os.WriteFile(tmp, s2.Encode(nil, raw), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, MetaFileName)); err != nil {
		return err
	}
	return syncDir(dir)
}

// ParseMeta reads the meta file of a snapshot directory.
func ParseMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read meta: %w", err)
	}
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal meta: %w", err)
	}
	if m.Format != metaFormat {
		return nil, fmt.Errorf("snapshot: unsupported meta format %d", m.Format)
	}
	return &m, nil
}

// AssignNewRowsetIDs rewrites every rowset ID in m to a fresh one so a
// loaded snapshot cannot collide with rowsets already present on the
// destination. It returns the old-to-new mapping, which callers use to link
// the data files under their new names.
func AssignNewRowsetIDs(m *Meta) map[model.RowsetID]model.RowsetID {
	mapping := make(map[model.RowsetID]model.RowsetID, len(m.Rowsets))
	for i := range m.Rowsets {
		old := m.Rowsets[i].ID
		fresh := model.RowsetID(strings.ReplaceAll(uuid.NewString(), "-", ""))
		mapping[old] = fresh
		m.Rowsets[i].ID = fresh
	}
	for i := range m.Edits {
		if fresh, ok := mapping[m.Edits[i].RowsetID]; ok {
			m.Edits[i].RowsetID = fresh
		}
	}
	return mapping
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
