// Package engine ties the storage layer together: it owns the shared meta
// store, the tablet map, the apply worker pool and the snapshot manager.
// All dependencies are injected; there are no package-level singletons.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/config"
	"github.com/tabletdb/tabletdb/meta"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/snapshot"
	"github.com/tabletdb/tabletdb/tablet"
)

// ErrClosed is returned after the engine has been closed.
var ErrClosed = errors.New("engine closed")

// StorageEngine is the root object of the storage layer.
type StorageEngine struct {
	rootDir   string
	dataDir   string
	metaStore *meta.Store
	cfg       *config.Config
	logger    *zap.Logger
	metrics   tablet.MetricsObserver
	pool      *WorkerPool
	snapshots *snapshot.Manager

	mu      sync.Mutex
	tablets map[model.TabletID]*tablet.Tablet
	closed  bool
}

// Open opens (or creates) a storage engine rooted at rootDir and loads all
// tablets recorded in the meta store.
func Open(rootDir string, opts ...Option) (*StorageEngine, error) {
	o := options{
		cfg:     config.Default(),
		logger:  zap.NewNop(),
		metrics: tablet.NopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	dataDir := filepath.Join(rootDir, "data")
	snapDir := filepath.Join(rootDir, "snapshots")
	for _, dir := range []string{dataDir, snapDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := meta.Open(filepath.Join(rootDir, "meta"))
	if err != nil {
		return nil, err
	}

	e := &StorageEngine{
		rootDir:   rootDir,
		dataDir:   dataDir,
		metaStore: store,
		cfg:       o.cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		pool:      NewWorkerPool(o.cfg.ApplyWorkers),
		snapshots: snapshot.NewManager(snapDir),
		tablets:   make(map[model.TabletID]*tablet.Tablet),
	}
	if err := e.loadTablets(); err != nil {
		e.pool.Close()
		store.Close()
		return nil, err
	}
	return e, nil
}

func (e *StorageEngine) deps() tablet.Deps {
	return tablet.Deps{
		Meta:    e.metaStore,
		Logger:  e.logger,
		Metrics: e.metrics,
		Config:  e.cfg,
		Submit: func(task func()) error {
			return e.pool.Submit(context.Background(), task)
		},
	}
}

func (e *StorageEngine) tabletDir(id model.TabletID) string {
	return filepath.Join(e.dataDir, strconv.FormatInt(int64(id), 10))
}

func (e *StorageEngine) loadTablets() error {
	var ids []model.TabletID
	err := e.metaStore.Scan(meta.CFMeta, "", func(key string, _ []byte) (bool, error) {
		id, err := strconv.ParseUint(key, 16, 64)
		if err != nil {
			return false, fmt.Errorf("malformed tablet key %q: %w", key, err)
		}
		ids = append(ids, model.TabletID(id))
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, err := tablet.Load(e.tabletDir(id), id, e.deps())
		if err != nil {
			return fmt.Errorf("load tablet %d: %w", id, err)
		}
		e.tablets[id] = t
	}
	if len(ids) > 0 {
		e.logger.Info("loaded tablets", zap.Int("count", len(ids)))
	}
	return nil
}

// CreateTabletRequest describes a new tablet.
type CreateTabletRequest struct {
	TabletID    model.TabletID
	SchemaHash  model.SchemaHash
	PartitionID int64
	Schema      model.Schema
	// NotReady creates the tablet in the bootstrap state used as the
	// destination of a clone or schema change.
	NotReady bool
}

// CreateTablet creates and registers a new empty tablet at version 1.
func (e *StorageEngine) CreateTablet(req CreateTabletRequest) (*tablet.Tablet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.tablets[req.TabletID]; ok {
		return nil, fmt.Errorf("%w: tablet %d", tablet.ErrAlreadyExists, req.TabletID)
	}
	t, err := tablet.Create(e.tabletDir(req.TabletID), req.TabletID, req.SchemaHash, req.PartitionID, req.Schema, e.deps())
	if err != nil {
		return nil, err
	}
	if req.NotReady {
		t.SetState(tablet.StateNotReady)
	}
	e.tablets[req.TabletID] = t
	e.logger.Info("created tablet",
		zap.Int64("tablet_id", int64(req.TabletID)),
		zap.Int32("schema_hash", int32(req.SchemaHash)))
	return t, nil
}

// GetTablet returns a registered tablet.
func (e *StorageEngine) GetTablet(id model.TabletID) (*tablet.Tablet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	t, ok := e.tablets[id]
	if !ok {
		return nil, fmt.Errorf("%w: tablet %d", tablet.ErrNotFound, id)
	}
	return t, nil
}

// DropTablet closes a tablet and removes its data and meta records.
func (e *StorageEngine) DropTablet(id model.TabletID) error {
	e.mu.Lock()
	t, ok := e.tablets[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: tablet %d", tablet.ErrNotFound, id)
	}
	delete(e.tablets, id)
	e.mu.Unlock()

	t.Close()
	b := e.metaStore.NewBatch()
	b.Delete(meta.CFMeta, meta.TabletKey(id))
	b.DeletePrefix(meta.CFLog, meta.LogPrefix(id))
	b.DeletePrefix(meta.CFRowset, meta.RowsetPrefix(id))
	b.DeletePrefix(meta.CFDelVec, meta.DelVecPrefix(id))
	b.DeletePrefix(meta.CFPending, meta.PendingPrefix(id))
	b.Delete(meta.CFIndex, meta.TabletKey(id))
	if err := e.metaStore.Apply(b); err != nil {
		return err
	}
	if err := os.RemoveAll(e.tabletDir(id)); err != nil {
		return err
	}
	e.logger.Info("dropped tablet", zap.Int64("tablet_id", int64(id)))
	return nil
}

// SnapshotManager returns the snapshot manager rooted inside the engine
// directory.
func (e *StorageEngine) SnapshotManager() *snapshot.Manager {
	return e.snapshots
}

// PickCompactionCandidate returns the tablet with the highest positive
// compaction score, or nil if none qualifies.
func (e *StorageEngine) PickCompactionCandidate() *tablet.Tablet {
	e.mu.Lock()
	tablets := make([]*tablet.Tablet, 0, len(e.tablets))
	for _, t := range e.tablets {
		tablets = append(tablets, t)
	}
	e.mu.Unlock()

	var best *tablet.Tablet
	bestScore := 0.0
	for _, t := range tablets {
		if score := t.CompactionScore(); score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// Close shuts the engine down: tablets first (waiting for in-flight
// applies), then the worker pool and the meta store.
func (e *StorageEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tablets := make([]*tablet.Tablet, 0, len(e.tablets))
	for _, t := range e.tablets {
		tablets = append(tablets, t)
	}
	e.mu.Unlock()

	for _, t := range tablets {
		t.Close()
	}
	e.pool.Close()
	return e.metaStore.Close()
}
