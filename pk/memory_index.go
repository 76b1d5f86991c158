package pk

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/tabletdb/tabletdb/model"
)

// MemoryIndex is an in-memory implementation of Index backed by a Go map.
// It supports persistence via Save/Load.
type MemoryIndex struct {
	mu sync.RWMutex
	m  map[model.PrimaryKey]model.Location
}

// NewMemoryIndex creates a new in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		m: make(map[model.PrimaryKey]model.Location),
	}
}

// Lookup returns the location for the given primary key.
func (idx *MemoryIndex) Lookup(key model.PrimaryKey) (model.Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.m[key]
	return loc, ok
}

// Upsert updates the location for the given primary key.
func (idx *MemoryIndex) Upsert(key model.PrimaryKey, loc model.Location) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.m[key] = loc
	return nil
}

// UpsertIf updates the location only if the current location equals old.
// It is used by compaction to move keys that concurrent applies have not
// already repointed. Returns true if the entry was updated.
func (idx *MemoryIndex) UpsertIf(key model.PrimaryKey, old, loc model.Location) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, ok := idx.m[key]
	if !ok || cur != old {
		return false
	}
	idx.m[key] = loc
	return true
}

// Delete removes the primary key from the index.
func (idx *MemoryIndex) Delete(key model.PrimaryKey) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.m, key)
	return nil
}

// Size returns the number of live keys.
func (idx *MemoryIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.m)
}

// Save persists the index to w.
// Format: [Count: 8 bytes] [Entry...]
// Entry: [Key: 8 bytes] [SegmentID: 4 bytes] [Row: 4 bytes]
func (idx *MemoryIndex) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(idx.m))); err != nil {
		return err
	}

	buf := make([]byte, 16)
	for key, loc := range idx.m {
		binary.LittleEndian.PutUint64(buf[0:], uint64(key))
		binary.LittleEndian.PutUint32(buf[8:], uint32(loc.Segment))
		binary.LittleEndian.PutUint32(buf[12:], loc.Row)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Load populates the index from r, replacing its current contents.
func (idx *MemoryIndex) Load(r io.Reader) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	br := bufio.NewReader(r)

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	idx.m = make(map[model.PrimaryKey]model.Location, count)

	buf := make([]byte, 16)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		key := model.PrimaryKey(binary.LittleEndian.Uint64(buf[0:]))
		loc := model.Location{
			Segment: model.SegmentID(binary.LittleEndian.Uint32(buf[8:])),
			Row:     binary.LittleEndian.Uint32(buf[12:]),
		}
		idx.m[key] = loc
	}

	return nil
}
