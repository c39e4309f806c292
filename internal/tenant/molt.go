package tenant

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/zfs"
)

// MoltResult is the per-tenant outcome of a reconciliation pass.
type MoltResult struct {
	Name     string   `json:"name"`
	Healthy  bool     `json:"healthy"`
	Actions  []string `json:"actions"`
	Failures []string `json:"failures,omitempty"`
}

// Molt reconciles live state against the registry. With a name it targets
// one tenant (and will retry a degraded one — naming a tenant is the
// operator's way of clearing the degraded latch); with an empty name it
// sweeps every tenant, skips degraded ones, and garbage-collects orphan
// resources. Molt never allocates identities and never deletes rows, except
// that a half-built (initializing) row it cannot complete is evicted.
func (e *Engine) Molt(ctx context.Context, name string, step StepFunc) ([]MoltResult, error) {
	if step == nil {
		step = noStep
	}
	reg, err := e.Store.Load()
	if err != nil {
		return nil, err
	}

	var targets []*registry.Tenant
	if name != "" {
		t := reg.Find(name)
		if t == nil {
			return nil, errdefs.ErrTenantNotFound
		}
		targets = []*registry.Tenant{t}
	} else {
		targets = reg.Tenants
	}

	var results []MoltResult
	for _, t := range targets {
		if t.Status == registry.StatusDegraded && name == "" {
			results = append(results, MoltResult{Name: t.Name, Healthy: false, Failures: []string{"degraded"}})
			continue
		}
		step("molt " + t.Name)
		res, repairErr := e.moltOne(ctx, t.Name, name != "")
		results = append(results, res)
		if repairErr != nil && name != "" {
			// The caller asked about this one tenant; surface the exhausted
			// repair as a typed error alongside the result.
			return results, repairErr
		}
	}

	if name == "" {
		step("collect orphans")
		if err := e.collectOrphans(reg); err != nil {
			e.log.WithError(err).Warn("orphan collection incomplete")
		}
	}
	return results, nil
}

// moltOne runs bounded check-and-repair rounds for one tenant. When the
// repair budget runs out, the returned error is a *errdefs.RepairError
// naming the resources that would not come back.
func (e *Engine) moltOne(ctx context.Context, name string, operatorNamed bool) (MoltResult, error) {
	res := MoltResult{Name: name}
	if err := e.acquire(name); err != nil {
		res.Failures = append(res.Failures, "in-flight")
		return res, nil
	}
	defer e.release(name)

	max := e.Cfg.Watchdog.MaxRepairAttempts
	if max <= 0 {
		max = 3
	}

	for attempt := 0; ; attempt++ {
		t, err := e.Get(name)
		if err != nil {
			res.Failures = append(res.Failures, "registry")
			return res, nil
		}
		actions, failures := e.repairRound(ctx, t)
		res.Actions = append(res.Actions, actions...)

		if len(failures) == 0 {
			res.Healthy = true
			// Repair succeeded; clear a degraded latch or finish an
			// initializing row.
			if t.Status == registry.StatusDegraded || t.Status == registry.StatusInitializing {
				if _, err := e.Store.Mutate(func(r *registry.Registry) error {
					if row := r.Find(name); row != nil {
						row.Status = registry.StatusActive
					}
					return nil
				}); err != nil {
					e.log.WithField("tenant", name).WithError(err).Warn("status update")
				}
			}
			return res, nil
		}

		if attempt+1 >= max {
			res.Failures = failures
			repairErr := &errdefs.RepairError{Tenant: name, Failures: failures}
			if t.Status == registry.StatusInitializing && !operatorNamed {
				// Half-built and unrepairable: take it back down.
				e.log.WithField("tenant", name).WithError(repairErr).Warn("half-built tenant unrepairable, evicting")
				if err := e.evictLocked(ctx, name, false, noStep); err != nil {
					e.log.WithField("tenant", name).WithError(err).Warn("evict half-built")
				}
				return res, repairErr
			}
			if _, err := e.Store.Mutate(func(r *registry.Registry) error {
				if row := r.Find(name); row != nil {
					row.Status = registry.StatusDegraded
					row.SuspendInfo = nil
				}
				return nil
			}); err != nil {
				e.log.WithField("tenant", name).WithError(err).Warn("mark degraded")
			}
			e.log.WithField("tenant", name).WithError(repairErr).Error("repair attempts exceeded")
			return res, repairErr
		}
	}
}

// repairRound checks each declared resource once and performs the smallest
// recreating action for anything missing or mismatched. Returns the actions
// taken and the checks that could not be put right.
func (e *Engine) repairRound(ctx context.Context, t *registry.Tenant) (actions, failures []string) {
	expectRunning := t.Status == registry.StatusActive ||
		t.Status == registry.StatusInitializing ||
		t.Status == registry.StatusDegraded

	repair := func(kind string, broken bool, fix func() error) {
		if !broken {
			return
		}
		if err := fix(); err != nil {
			e.log.WithFields(logrus.Fields{"tenant": t.Name, "check": kind}).WithError(err).Warn("repair failed")
			failures = append(failures, kind)
			return
		}
		actions = append(actions, kind)
	}

	ok, err := e.Zfs.DatasetExists(e.datasetPath(t.Name))
	repair("dataset", err == nil && !ok, func() error {
		return e.Zfs.CreateDataset(e.datasetPath(t.Name), zfs.CreateOpts{
			Quota:       e.Cfg.Zfs.DefaultQuota,
			Compression: e.Cfg.Zfs.Compression,
		})
	})
	if err != nil {
		failures = append(failures, "dataset")
	}

	ok, err = e.Net.TapExists(t.TapDev)
	repair("tap", err == nil && !ok, func() error {
		if err := e.Net.CreateTap(t.TapDev, t.Uid); err != nil {
			return err
		}
		return e.Net.AssignAddress(t.TapDev, t.IpAddress)
	})
	if err != nil {
		failures = append(failures, "tap")
	} else if ok {
		hasAddr, err := e.Net.HasAddress(t.TapDev, t.IpAddress)
		repair("tap-address", err == nil && !hasAddr, func() error {
			return e.Net.AssignAddress(t.TapDev, t.IpAddress)
		})
		if err != nil {
			failures = append(failures, "tap-address")
		}
	}

	hasDrop, err := e.Fw.HasTenantDrop(t.Uid)
	repair("firewall", err == nil && !hasDrop, func() error {
		if err := e.Fw.EnsureChain(); err != nil {
			return err
		}
		return e.Fw.AddTenantDrop(t.Uid)
	})
	if err != nil {
		failures = append(failures, "firewall")
	}

	if expectRunning {
		repair("chroot", !e.Vm.Exists(t.VmId), func() error {
			return e.Vm.Prepare(ctx, e.vmSpec(t), t.Uid)
		})

		vmAlive := t.VmPid != 0 && e.Vm.IsAlive(t.VmPid)
		repair("vm-process", !vmAlive, func() error {
			pid, err := e.Vm.Start(t.VmId, t.Uid)
			if err != nil {
				return err
			}
			agent := e.Dial(t.Cid, t.AgentToken)
			if err := agent.WaitForAgent(agentWaitTimeout); err != nil {
				return err
			}
			if err := agent.InjectSecrets(e.secretsFor(t)); err != nil {
				return err
			}
			if err := agent.LaunchOpenclaw(); err != nil {
				return err
			}
			t.VmPid = pid
			_, err = e.Store.Mutate(func(r *registry.Registry) error {
				if row := r.Find(t.Name); row != nil {
					row.VmPid = pid
				}
				return nil
			})
			return err
		})

		hasRoute, err := e.Proxy.HasRoute(t.Name)
		repair("proxy-route", err == nil && !hasRoute, func() error {
			return e.Proxy.AddRoute(t.Name, t.Name+"."+e.Cfg.Domain(), t.GatewayPort)
		})
		if err != nil {
			failures = append(failures, "proxy-route")
		}

		if t.VmPid != 0 && e.Vm.IsAlive(t.VmPid) {
			repair("agent", e.Dial(t.Cid, t.AgentToken).HealthPing() != nil, func() error {
				return e.Dial(t.Cid, t.AgentToken).HealthPing()
			})
		}
	}

	if t.Status == registry.StatusSuspended {
		// A suspended tenant must not hold a route or a live VM.
		hasRoute, err := e.Proxy.HasRoute(t.Name)
		repair("proxy-route", err == nil && hasRoute, func() error {
			return e.Proxy.RemoveRoute(t.Name)
		})
		if t.VmPid != 0 {
			repair("vm-process", true, func() error {
				_, err := e.Store.Mutate(func(r *registry.Registry) error {
					if row := r.Find(t.Name); row != nil {
						row.VmPid = 0
					}
					return nil
				})
				return err
			})
		}
	}

	return actions, failures
}

// collectOrphans removes live resources that no registry row claims: proxy
// routes, jailer chroots, overlays and child datasets left behind by an
// interrupted evict.
func (e *Engine) collectOrphans(reg *registry.Registry) error {
	owned := map[string]bool{}
	for _, t := range reg.Tenants {
		owned[t.Name] = true
	}

	if routes, err := e.Proxy.ListRoutes(); err == nil {
		for _, r := range routes {
			if !owned[r.Name] {
				e.log.WithField("route", r.Name).Info("removing orphan route")
				if err := e.Proxy.RemoveRoute(r.Name); err != nil {
					e.log.WithError(err).Warn("remove orphan route")
				}
			}
		}
	}

	chroots := filepath.Join(e.Cfg.Jailer.ChrootBaseDir, "firecracker")
	if entries, err := os.ReadDir(chroots); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !owned[entry.Name()] {
				e.log.WithField("vmId", entry.Name()).Info("removing orphan chroot")
				if err := e.Vm.Cleanup(entry.Name()); err != nil {
					e.log.WithError(err).Warn("remove orphan chroot")
				}
				if err := e.Vm.RemoveOverlay(entry.Name()); err != nil {
					e.log.WithError(err).Warn("remove orphan overlay")
				}
			}
		}
	}

	children, err := e.Zfs.ListChildren(e.Cfg.Zfs.ParentDataset)
	if err != nil {
		return err
	}
	for _, child := range children {
		name := strings.TrimPrefix(child, e.Cfg.Zfs.ParentDataset+"/")
		if name == child || strings.Contains(name, "/") {
			continue
		}
		if name == archiveDataset {
			// Retained datasets from `evict --final-snapshot`; not orphans.
			continue
		}
		if !owned[name] {
			e.log.WithField("dataset", child).Info("destroying orphan dataset")
			if err := e.Zfs.DestroyDataset(child, true); err != nil {
				e.log.WithError(err).Warn("destroy orphan dataset")
			}
		}
	}
	return nil
}

// RepairCooldownOk reports whether the per-tenant cooldown between watchdog
// repair attempts has elapsed, and if so records the attempt.
func (e *Engine) RepairCooldownOk(name string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last := e.repairs[name]
	cooldown := int(e.Cfg.Watchdog.RepairCooldownMs)
	nowMs := int(now.UnixMilli())
	if last != 0 && nowMs-last < cooldown {
		return false
	}
	e.repairs[name] = nowMs
	return true
}
