package tablet

import (
	"time"

	"github.com/tabletdb/tabletdb/model"
)

// MetricsObserver receives engine events. Implementations must be safe for
// concurrent use and must not block.
type MetricsObserver interface {
	ApplyDone(id model.TabletID, version uint64, rows, deletes int, d time.Duration)
	ApplyFailed(id model.TabletID, version uint64)
	CompactionDone(id model.TabletID, inputs, outputRows int, d time.Duration)
	VersionsRemoved(id model.TabletID, removed int)
	SnapshotLoaded(id model.TabletID, typ string)
}

// NopMetrics is a MetricsObserver that does nothing.
type NopMetrics struct{}

func (NopMetrics) ApplyDone(model.TabletID, uint64, int, int, time.Duration) {}
func (NopMetrics) ApplyFailed(model.TabletID, uint64)                        {}
func (NopMetrics) CompactionDone(model.TabletID, int, int, time.Duration)    {}
func (NopMetrics) VersionsRemoved(model.TabletID, int)                       {}
func (NopMetrics) SnapshotLoaded(model.TabletID, string)                     {}
