// Package tablet implements the per-tablet primary key update engine: the
// MVCC version history, the commit/apply pipeline, delete vectors, version
// GC, compaction and clone/restore operations.
package tablet

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/config"
	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/pk"
	"github.com/tabletdb/tabletdb/rowset"
)

// State is the operational state of a tablet.
type State uint8

const (
	// StateRunning accepts commits, reads and compactions.
	StateRunning State = iota
	// StateNotReady marks a tablet being bootstrapped by clone or schema
	// change; only LinkFrom/ConvertFrom/LoadSnapshot may mutate it.
	StateNotReady
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateNotReady:
		return "NOTREADY"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Deps are the shared services a tablet operates with.
type Deps struct {
	Meta    *meta.Store
	Logger  *zap.Logger
	Metrics MetricsObserver
	Config  *config.Config
	// Submit schedules a background task on the shared apply pool. A nil
	// Submit runs tasks on fresh goroutines.
	Submit func(task func()) error
}

func (d *Deps) fill() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Submit == nil {
		d.Submit = func(task func()) error {
			go task()
			return nil
		}
	}
}

// versionEntry is one applied version of the tablet's history.
type versionEntry struct {
	version    model.EditVersion
	createdAt  time.Time
	rowsets    []model.RowsetID
	compaction bool
}

type segRef struct {
	rs  *rowset.Rowset
	seg int
}

// Tablet is one primary-key tablet.
type Tablet struct {
	id          model.TabletID
	schemaHash  model.SchemaHash
	partitionID int64
	schema      model.Schema
	dir         string
	deps        Deps
	logger      *zap.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	// versions is the applied history, ascending, never empty.
	versions []*versionEntry
	// rowsets holds every rowset referenced by a retained version.
	rowsets  map[model.RowsetID]*rowset.Rowset
	segIndex map[model.SegmentID]segRef
	// delvecs holds the delete vector generations of each segment,
	// ascending by version.
	delvecs        map[model.SegmentID][]*delvec.DelVector
	pkIndex        *pk.MemoryIndex
	nextSegID      model.SegmentID
	nextLogID      uint64
	lastCompaction time.Time
	applying       bool
	compacting     bool
	closed         bool

	// pending holds committed-but-unapplied rowsets by target version.
	// Despite the concurrent map type it is only mutated and ranged under
	// mu; the skipmap is kept for its ordered iteration. npending mirrors
	// its size for lock-free NumPending reads.
	pending  *skipmap.Uint64Map[*rowset.Rowset]
	npending atomic.Int64
}

func newTablet(dir string, id model.TabletID, schemaHash model.SchemaHash, partitionID int64, schema model.Schema, deps Deps) *Tablet {
	deps.fill()
	t := &Tablet{
		id:          id,
		schemaHash:  schemaHash,
		partitionID: partitionID,
		schema:      schema,
		dir:         dir,
		deps:        deps,
		logger:      deps.Logger.With(zap.Int64("tablet_id", int64(id))),
		rowsets:     make(map[model.RowsetID]*rowset.Rowset),
		segIndex:    make(map[model.SegmentID]segRef),
		delvecs:     make(map[model.SegmentID][]*delvec.DelVector),
		pkIndex:     pk.NewMemoryIndex(),
		pending:     skipmap.NewUint64[*rowset.Rowset](),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Create initializes a new tablet at version 1 with an empty history entry
// and persists its first checkpoint.
func Create(dir string, id model.TabletID, schemaHash model.SchemaHash, partitionID int64, schema model.Schema, deps Deps) (*Tablet, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t := newTablet(dir, id, schemaHash, partitionID, schema, deps)
	t.versions = []*versionEntry{{
		version:   model.EditVersion{Major: 1},
		createdAt: time.Now(),
	}}
	t.nextSegID = 1
	t.nextLogID = 1

	b := t.deps.Meta.NewBatch()
	t.checkpointLocked(b)
	if err := t.deps.Meta.Apply(b); err != nil {
		return nil, err
	}
	return t, nil
}

// TabletID returns the tablet ID.
func (t *Tablet) TabletID() model.TabletID { return t.id }

// TabletSchemaHash returns the schema hash the tablet was created with.
func (t *Tablet) TabletSchemaHash() model.SchemaHash { return t.schemaHash }

// TabletSchema returns the tablet schema.
func (t *Tablet) TabletSchema() model.Schema { return t.schema }

// PartitionID returns the partition the tablet belongs to.
func (t *Tablet) PartitionID() int64 { return t.partitionID }

// DataDir returns the directory holding the tablet's segment files.
func (t *Tablet) DataDir() string { return t.dir }

// State returns the operational state.
func (t *Tablet) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the operational state.
func (t *Tablet) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Tablet) maxVersionLocked() model.EditVersion {
	return t.versions[len(t.versions)-1].version
}

// MaxVersion returns the major version of the latest applied version.
func (t *Tablet) MaxVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxVersionLocked().Major
}

// MaxEditVersion returns the full latest applied version.
func (t *Tablet) MaxEditVersion() model.EditVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxVersionLocked()
}

// VersionHistoryCount returns the number of retained versions.
func (t *Tablet) VersionHistoryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.versions)
}

// NumPending returns the number of committed-but-unapplied rowsets.
func (t *Tablet) NumPending() int {
	return int(t.npending.Load())
}

// NumRowsets returns the rowset count of the latest version.
func (t *Tablet) NumRowsets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.versions[len(t.versions)-1].rowsets)
}

// NumKeys returns the number of live primary keys.
func (t *Tablet) NumKeys() int {
	return t.pkIndex.Size()
}

// entryForLocked resolves the history entry for a major version: the entry
// with the highest minor at that major. Returns nil if not retained.
func (t *Tablet) entryForLocked(major uint64) *versionEntry {
	var found *versionEntry
	for _, e := range t.versions {
		if e.version.Major == major {
			found = e
		}
	}
	return found
}

// latestDelVecLocked resolves the delete vector of seg visible at major, or
// nil if the segment has no deletes at that version.
func (t *Tablet) latestDelVecLocked(seg model.SegmentID, major uint64) *delvec.DelVector {
	gens := t.delvecs[seg]
	var found *delvec.DelVector
	for _, g := range gens {
		if g.Version() > major {
			break
		}
		found = g
	}
	return found
}

// Close stops the tablet. It waits for an in-flight apply to finish;
// committed-but-unapplied rowsets stay durable for the next load.
func (t *Tablet) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cond.Broadcast()
	for t.applying {
		t.cond.Wait()
	}
	for _, rs := range t.rowsets {
		rs.Unref()
	}
	t.pending.Range(func(_ uint64, rs *rowset.Rowset) bool {
		rs.Unref()
		return true
	})
}
