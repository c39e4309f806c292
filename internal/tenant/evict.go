package tenant

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/registry"
)

const vmStopGrace = 10 * time.Second

// Evict tears a tenant down in reverse creation order. Every step tolerates
// the resource already being gone, so evict doubles as the rollback path for
// a failed spawn. With finalSnapshot, the dataset is snapshotted and renamed
// into the archive tree instead of being destroyed (see retireDataset).
func (e *Engine) Evict(ctx context.Context, name string, finalSnapshot bool, step StepFunc) error {
	if err := e.acquire(name); err != nil {
		return err
	}
	defer e.release(name)
	return e.evictLocked(ctx, name, finalSnapshot, step)
}

// evictLocked is Evict without the gate, for callers that already hold the
// tenant's slot (spawn rollback).
func (e *Engine) evictLocked(ctx context.Context, name string, finalSnapshot bool, step StepFunc) error {
	if step == nil {
		step = noStep
	}
	reg, err := e.Store.Load()
	if err != nil {
		return err
	}
	t := reg.Find(name)
	if t == nil {
		return errdefs.ErrTenantNotFound
	}

	_, err = e.Store.Mutate(func(r *registry.Registry) error {
		if row := r.Find(name); row != nil {
			row.Status = registry.StatusEvicting
			row.SuspendInfo = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := e.log.WithField("tenant", name)

	step("remove proxy route")
	if err := e.Proxy.RemoveRoute(name); err != nil {
		log.WithError(err).Warn("remove route")
	}

	if t.VmPid != 0 && e.Vm.IsAlive(t.VmPid) {
		step("shutdown vm")
		if err := e.Dial(t.Cid, t.AgentToken).Shutdown(); err != nil {
			log.WithError(err).Debug("agent shutdown request")
		}
		if err := e.Vm.Shutdown(t.VmPid, vmStopGrace); err != nil {
			log.WithError(err).Warn("stop vm")
		}
	}

	step("remove firewall rules")
	if err := e.Fw.RemoveTenantDrop(t.Uid); err != nil {
		log.WithError(err).Warn("remove firewall drop")
	}

	step("delete tap")
	if err := e.Net.DeleteTap(t.TapDev); err != nil {
		log.WithError(err).Warn("delete tap")
	}

	step("cleanup chroot")
	if err := e.Vm.Cleanup(t.VmId); err != nil {
		log.WithError(err).Warn("cleanup chroot")
	}
	if err := e.Vm.RemoveOverlay(t.VmId); err != nil {
		log.WithError(err).Warn("remove overlay")
	}

	step("destroy dataset")
	if err := e.retireDataset(name, finalSnapshot, log); err != nil {
		log.WithError(err).Warn("retire dataset")
	}

	step("remove ssh keys")
	if err := e.Ssh.Remove(name); err != nil {
		log.WithError(err).Warn("remove ssh keys")
	}

	// The registry row goes last so a crash anywhere above leaves the row
	// for molt's orphan sweep to finish from.
	step("remove registry row")
	_, err = e.Store.Mutate(func(r *registry.Registry) error {
		r.Remove(name)
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"uid": t.Uid}).Info("tenant evicted")
	return nil
}

// retireDataset removes the tenant's dataset. Without finalSnapshot it is a
// recursive destroy. With it, the dataset is snapshotted and renamed into
// the archive tree instead: a recursive destroy would take the snapshot down
// with the dataset, so retention means keeping the dataset itself, lineage
// intact, under a name eviction no longer owns.
func (e *Engine) retireDataset(name string, finalSnapshot bool, log *logrus.Entry) error {
	path := e.datasetPath(name)
	if !finalSnapshot {
		return e.Zfs.DestroyDataset(path, true)
	}
	ok, err := e.Zfs.DatasetExists(path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	tag := "final-" + snapshotTag()
	if _, err := e.Zfs.Snapshot(path, tag); err != nil {
		log.WithError(err).Warn("final snapshot")
	}
	archived := e.archivePath(name, tag)
	if err := e.Zfs.Rename(path, archived); err != nil {
		// Destroying here would defeat the retention the caller asked for;
		// the dataset stays put for the operator.
		return err
	}
	log.WithField("archived", archived).Info("dataset archived")
	return nil
}

// archiveDataset is the parent under which evicted tenants' datasets are
// retained. The orphan sweep leaves this subtree alone.
const archiveDataset = "archive"

func (e *Engine) archivePath(name, tag string) string {
	return e.Cfg.Zfs.ParentDataset + "/" + archiveDataset + "/" + name + "-" + tag
}
