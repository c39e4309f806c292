// Package zfs wraps the host ZFS pool behind the narrow surface the
// lifecycle engine needs: per-tenant datasets and timestamped snapshots.
package zfs

import (
	"fmt"
	"sort"
	"strings"

	gozfs "github.com/mistifyio/go-zfs/v3"
	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// CreateOpts are the properties set on a new tenant dataset.
type CreateOpts struct {
	Quota       string
	Compression string
}

// SnapshotInfo describes one snapshot of a tenant dataset.
type SnapshotInfo struct {
	Name string // full name, dataset@tag
	Tag  string
	Used uint64
}

// PoolStats is the capacity summary reported by `lobsterd tank`.
type PoolStats struct {
	Name      string
	Size      uint64
	Allocated uint64
	Free      uint64
	Health    string
}

// DatasetStats is per-tenant dataset usage.
type DatasetStats struct {
	Name       string
	Used       uint64
	Avail      uint64
	Quota      uint64
	Mountpoint string
}

type Driver struct {
	log *logrus.Entry
}

func New() *Driver {
	return &Driver{log: logrus.WithField("component", "zfs")}
}

// CreateDataset creates path with the given quota and compression. Creating
// an existing dataset is a conflict, not a success, so a lost registry row
// cannot silently adopt foreign data.
func (d *Driver) CreateDataset(path string, opts CreateOpts) error {
	if _, err := gozfs.GetDataset(path); err == nil {
		return fmt.Errorf("%w: dataset %s already exists", errdefs.ErrZfs, path)
	}
	props := map[string]string{}
	if opts.Quota != "" {
		props["quota"] = opts.Quota
	}
	if opts.Compression != "" {
		props["compression"] = opts.Compression
	}
	if _, err := gozfs.CreateFilesystem(path, props); err != nil {
		return fmt.Errorf("%w: create %s: %v", errdefs.ErrZfs, path, err)
	}
	d.log.WithField("dataset", path).Info("dataset created")
	return nil
}

// DatasetExists probes for the dataset.
func (d *Driver) DatasetExists(path string) (bool, error) {
	_, err := gozfs.GetDataset(path)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
}

// DestroyDataset removes the dataset and, when recursive is set, everything
// under it.
// Destroying a missing dataset is success.
func (d *Driver) DestroyDataset(path string, recursive bool) error {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
	}
	flag := gozfs.DestroyDefault
	if recursive {
		flag = gozfs.DestroyRecursive
	}
	if err := ds.Destroy(flag); err != nil {
		return fmt.Errorf("%w: destroy %s: %v", errdefs.ErrZfs, path, err)
	}
	d.log.WithField("dataset", path).Info("dataset destroyed")
	return nil
}

// Rename moves the dataset to newPath, creating missing parents. Snapshots
// travel with the dataset, which is what makes renaming into an archive
// tree a retention mechanism where a recursive destroy is not.
func (d *Driver) Rename(path, newPath string) error {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
	}
	if _, err := ds.Rename(newPath, true, false); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", errdefs.ErrZfs, path, newPath, err)
	}
	d.log.WithFields(logrus.Fields{"dataset": path, "to": newPath}).Info("dataset renamed")
	return nil
}

// Snapshot creates dataset@tag and returns the full snapshot name.
func (d *Driver) Snapshot(path, tag string) (string, error) {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
	}
	snap, err := ds.Snapshot(tag, false)
	if err != nil {
		return "", fmt.Errorf("%w: snapshot %s@%s: %v", errdefs.ErrZfs, path, tag, err)
	}
	d.log.WithField("snapshot", snap.Name).Info("snapshot created")
	return snap.Name, nil
}

// ListSnapshots returns the dataset's snapshots sorted oldest-first by tag.
// Tags are ISO timestamps, some behind a purpose prefix ("presuspend-"); the
// prefix is skipped when comparing, so the lexical order of the timestamps is
// the creation order.
func (d *Driver) ListSnapshots(path string) ([]SnapshotInfo, error) {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
	}
	snaps, err := ds.Snapshots()
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots of %s: %v", errdefs.ErrZfs, path, err)
	}
	out := make([]SnapshotInfo, 0, len(snaps))
	for _, s := range snaps {
		tag := s.Name
		if i := strings.IndexByte(s.Name, '@'); i >= 0 {
			tag = s.Name[i+1:]
		}
		out = append(out, SnapshotInfo{Name: s.Name, Tag: tag, Used: s.Used})
	}
	stamp := func(tag string) string {
		if i := strings.IndexAny(tag, "0123456789"); i > 0 {
			return tag[i:]
		}
		return tag
	}
	sort.Slice(out, func(i, j int) bool { return stamp(out[i].Tag) < stamp(out[j].Tag) })
	return out, nil
}

// PruneSnapshots keeps the newest keep snapshots and destroys the rest,
// oldest first. Returns the destroyed tags.
func (d *Driver) PruneSnapshots(path string, keep int) ([]string, error) {
	snaps, err := d.ListSnapshots(path)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(snaps) <= keep {
		return nil, nil
	}
	var pruned []string
	for _, s := range snaps[:len(snaps)-keep] {
		ds, err := gozfs.GetDataset(s.Name)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return pruned, fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, s.Name, err)
		}
		if err := ds.Destroy(gozfs.DestroyDefault); err != nil {
			return pruned, fmt.Errorf("%w: destroy %s: %v", errdefs.ErrZfs, s.Name, err)
		}
		pruned = append(pruned, s.Tag)
	}
	if len(pruned) > 0 {
		d.log.WithFields(logrus.Fields{"dataset": path, "pruned": len(pruned)}).Info("snapshots pruned")
	}
	return pruned, nil
}

// ListChildren returns the names of all filesystems under parent,
// including parent itself.
func (d *Driver) ListChildren(parent string) ([]string, error) {
	datasets, err := gozfs.Filesystems(parent)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", errdefs.ErrZfs, parent, err)
	}
	out := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		out = append(out, ds.Name)
	}
	return out, nil
}

// Pool returns capacity stats for the named zpool.
func (d *Driver) Pool(name string) (*PoolStats, error) {
	zp, err := gozfs.GetZpool(name)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", errdefs.ErrZfs, name, err)
	}
	return &PoolStats{
		Name:      zp.Name,
		Size:      zp.Size,
		Allocated: zp.Allocated,
		Free:      zp.Free,
		Health:    zp.Health,
	}, nil
}

// DatasetInfo returns usage stats for one dataset.
func (d *Driver) DatasetInfo(path string) (*DatasetStats, error) {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", errdefs.ErrZfs, path, err)
	}
	return &DatasetStats{
		Name:       ds.Name,
		Used:       ds.Used,
		Avail:      ds.Avail,
		Quota:      ds.Quota,
		Mountpoint: ds.Mountpoint,
	}, nil
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
