package tenant

import (
	"time"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// snapshotTag returns the ISO-style timestamp used to name snapshots. Colons
// are not legal in ZFS snapshot names, so the time component uses dots.
func snapshotTag() string {
	return time.Now().UTC().Format("2006-01-02T15.04.05Z")
}

// SnapResult reports a created snapshot and anything pruned alongside it.
type SnapResult struct {
	Tag    string   `json:"tag"`
	Pruned []string `json:"pruned,omitempty"`
}

// Snap creates a timestamped snapshot of the tenant's dataset. With prune,
// only the newest snapshotRetention snapshots survive, oldest destroyed
// first.
func (e *Engine) Snap(name string, prune bool) (*SnapResult, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	reg, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	if reg.Find(name) == nil {
		return nil, errdefs.ErrTenantNotFound
	}

	tag := snapshotTag()
	if _, err := e.Zfs.Snapshot(e.datasetPath(name), tag); err != nil {
		return nil, err
	}
	res := &SnapResult{Tag: tag}

	if prune {
		pruned, err := e.Zfs.PruneSnapshots(e.datasetPath(name), e.Cfg.Zfs.SnapshotRetention)
		if err != nil {
			return res, err
		}
		res.Pruned = pruned
	}
	return res, nil
}
