package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

// TabletSource is the view of a tablet the snapshot manager needs. It is
// implemented by tablet.Tablet.
type TabletSource interface {
	TabletID() model.TabletID
	TabletSchemaHash() model.SchemaHash
	TabletSchema() model.Schema
	DataDir() string
	// FullState captures every visible rowset at version (or the latest
	// applied version when version is 0), with delete vectors and the
	// segment ID high-water mark.
	FullState(version uint64) ([]rowset.Meta, []DelVecRecord, model.SegmentID, uint64, error)
	// IncrementalState captures the rowset added by each requested version.
	IncrementalState(versions []uint64) ([]rowset.Meta, []VersionEdit, error)
}

// Manager creates snapshot directories.
type Manager struct {
	root string
}

// NewManager creates a manager placing snapshots under root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

func (m *Manager) snapshotDir(id model.TabletID, version uint64) string {
	return filepath.Join(m.root, fmt.Sprintf("%d_%d", id, version))
}

// MakeFull snapshots src at version into a new directory and returns its
// path. version 0 means the latest applied version.
func (m *Manager) MakeFull(src TabletSource, version uint64) (string, error) {
	rowsets, delvecs, maxSeg, realVersion, err := src.FullState(version)
	if err != nil {
		return "", err
	}
	dir := m.snapshotDir(src.TabletID(), realVersion)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := linkRowsetFiles(rowsets, src.DataDir(), dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	meta := &Meta{
		Type:            TypeFull,
		TabletID:        src.TabletID(),
		SchemaHash:      src.TabletSchemaHash(),
		Schema:          src.TabletSchema(),
		SnapshotVersion: realVersion,
		Rowsets:         rowsets,
		DelVecs:         delvecs,
		MaxSegID:        maxSeg,
	}
	if err := WriteMeta(meta, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// MakeIncremental snapshots the delta rowsets of the given versions.
func (m *Manager) MakeIncremental(src TabletSource, versions []uint64) (string, error) {
	if len(versions) == 0 {
		return "", fmt.Errorf("snapshot: no versions requested")
	}
	rowsets, edits, err := src.IncrementalState(versions)
	if err != nil {
		return "", err
	}
	dir := m.snapshotDir(src.TabletID(), versions[len(versions)-1])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := linkRowsetFiles(rowsets, src.DataDir(), dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	meta := &Meta{
		Type:            TypeIncremental,
		TabletID:        src.TabletID(),
		SchemaHash:      src.TabletSchemaHash(),
		Schema:          src.TabletSchema(),
		SnapshotVersion: versions[len(versions)-1],
		Rowsets:         rowsets,
		Edits:           edits,
	}
	if err := WriteMeta(meta, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func linkRowsetFiles(metas []rowset.Meta, srcDir, dstDir string) error {
	for _, rm := range metas {
		for i := 0; i < int(rm.SegmentCount); i++ {
			name := rowset.SegmentFileName(rm.ID, i)
			if err := LinkFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkRenamed hard-links every segment file of the (already re-ID'd) rowsets
// in meta from srcDir into dstDir under the new rowset IDs. mapping is the
// result of AssignNewRowsetIDs.
func LinkRenamed(meta *Meta, mapping map[model.RowsetID]model.RowsetID, srcDir, dstDir string) error {
	old := make(map[model.RowsetID]model.RowsetID, len(mapping))
	for o, n := range mapping {
		old[n] = o
	}
	for _, rm := range meta.Rowsets {
		srcID, ok := old[rm.ID]
		if !ok {
			srcID = rm.ID
		}
		for i := 0; i < int(rm.SegmentCount); i++ {
			src := filepath.Join(srcDir, rowset.SegmentFileName(srcID, i))
			dst := filepath.Join(dstDir, rowset.SegmentFileName(rm.ID, i))
			if err := LinkFile(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkFile hard-links src to dst, falling back to a copy when the link
// fails (e.g. across filesystems). An existing dst is left alone.
func LinkFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
