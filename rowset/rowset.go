package rowset

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/model"
)

// Rowset is an immutable set of segment files plus delete-marker keys. It is
// reference counted: readers holding a reference keep the files on disk even
// after version GC has dropped the rowset from the tablet's history.
type Rowset struct {
	mu      sync.Mutex
	meta    Meta
	dir     string
	chunks  []*chunk.Chunk
	deletes []model.PrimaryKey
	loaded  bool

	refs            atomic.Int32
	removeOnRelease atomic.Bool
}

// Open wraps an on-disk rowset. The returned rowset carries one reference
// owned by the caller.
func Open(dir string, meta Meta) *Rowset {
	rs := &Rowset{meta: meta, dir: dir}
	rs.refs.Store(1)
	return rs
}

// ID returns the rowset ID.
func (r *Rowset) ID() model.RowsetID { return r.meta.ID }

// Dir returns the directory holding the segment files.
func (r *Rowset) Dir() string { return r.dir }

// Meta returns a copy of the rowset descriptor.
func (r *Rowset) Meta() Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// SetVisible transitions the rowset to VISIBLE at version, recording the
// base segment ID assigned by the tablet.
func (r *Rowset) SetVisible(version model.EditVersion, segIDBase model.SegmentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta.State = StateVisible
	r.meta.Version = version
	r.meta.SegIDBase = segIDBase
}

// Ref acquires a reference.
func (r *Rowset) Ref() { r.refs.Add(1) }

// Unref drops a reference. When the count reaches zero and the rowset was
// marked for removal, its segment files are deleted.
func (r *Rowset) Unref() {
	if r.refs.Add(-1) == 0 && r.removeOnRelease.Load() {
		r.removeFiles()
	}
}

// MarkRemoveOnRelease arranges for segment files to be deleted once the last
// reference is dropped. Called by version GC for rowsets no longer reachable
// from any retained version.
func (r *Rowset) MarkRemoveOnRelease() {
	r.removeOnRelease.Store(true)
	if r.refs.Load() == 0 {
		r.removeFiles()
	}
}

func (r *Rowset) removeFiles() {
	for i := 0; i < int(r.meta.SegmentCount); i++ {
		_ = os.Remove(r.SegmentPath(i))
	}
}

// SegmentPath returns the path of segment idx.
func (r *Rowset) SegmentPath(idx int) string {
	return filepath.Join(r.dir, SegmentFileName(r.meta.ID, idx))
}

// Chunks loads (and caches) all segment chunks.
func (r *Rowset) Chunks() ([]*chunk.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r.chunks, nil
}

// DeleteKeys loads (and caches) the delete-marker keys.
func (r *Rowset) DeleteKeys() ([]model.PrimaryKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r.deletes, nil
}

func (r *Rowset) loadLocked() error {
	if r.loaded {
		return nil
	}
	chunks := make([]*chunk.Chunk, 0, r.meta.SegmentCount)
	var deletes []model.PrimaryKey
	for i := 0; i < int(r.meta.SegmentCount); i++ {
		ck, dels, err := ReadSegmentFile(r.SegmentPath(i), r.meta.Schema)
		if err != nil {
			return fmt.Errorf("rowset %s: %w", r.meta.ID, err)
		}
		chunks = append(chunks, ck)
		deletes = append(deletes, dels...)
	}
	r.chunks = chunks
	r.deletes = deletes
	r.loaded = true
	return nil
}

// CheckFiles verifies that every segment file exists on disk.
func (r *Rowset) CheckFiles() error {
	for i := 0; i < int(r.meta.SegmentCount); i++ {
		if _, err := os.Stat(r.SegmentPath(i)); err != nil {
			return fmt.Errorf("segment file does not exist: %s", r.SegmentPath(i))
		}
	}
	return nil
}
