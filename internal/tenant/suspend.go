package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/registry"
)

// Suspend stops an active tenant's VM while keeping its identity, storage
// and routing intent. The tap's rx counter is recorded so the watchdog can
// detect inbound traffic and wake the tenant back up.
func (e *Engine) Suspend(ctx context.Context, name, trigger string) (*registry.Tenant, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	t, err := e.Get(name)
	if err != nil {
		return nil, err
	}
	if t.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: tenant %s is %s, not active", errdefs.ErrValidation, name, t.Status)
	}

	e.emit(EventSuspendStart, name, trigger, t.VmPid, 0, nil)

	rx, err := e.Net.RxBytes(t.TapDev)
	if err != nil {
		e.emit(EventSuspendFailed, name, trigger, 0, 0, err)
		return nil, err
	}

	if e.Cfg.Zfs.SnapshotOnSuspend {
		if _, err := e.Zfs.Snapshot(e.datasetPath(name), "presuspend-"+snapshotTag()); err != nil {
			e.log.WithField("tenant", name).WithError(err).Warn("pre-suspend snapshot")
		}
	}

	// Graceful first: ask the agent to power the guest off, then escalate
	// to the jailer process if the VM lingers.
	if err := e.Dial(t.Cid, t.AgentToken).Shutdown(); err != nil {
		e.log.WithField("tenant", name).WithError(err).Debug("agent shutdown request")
	}
	if err := e.Vm.Shutdown(t.VmPid, vmStopGrace); err != nil {
		e.emit(EventSuspendFailed, name, trigger, t.VmPid, 0, err)
		return nil, err
	}

	var nextWake int64
	if t.WakeSchedule != "" {
		if at, err := NextWake(t.WakeSchedule, time.Now()); err == nil {
			nextWake = at.UnixMilli()
		} else {
			e.log.WithField("tenant", name).WithError(err).Warn("bad wake schedule")
		}
	}

	if err := e.Proxy.RemoveRoute(name); err != nil {
		e.emit(EventSuspendFailed, name, trigger, 0, 0, err)
		return nil, err
	}

	reg, err := e.Store.Mutate(func(r *registry.Registry) error {
		row := r.Find(name)
		if row == nil {
			return errdefs.ErrTenantNotFound
		}
		row.Status = registry.StatusSuspended
		row.VmPid = 0
		row.SuspendInfo = &registry.SuspendInfo{
			LastRxBytes:   rx,
			NextWakeAtMs:  nextWake,
			SuspendedAtMs: time.Now().UnixMilli(),
		}
		return nil
	})
	if err != nil {
		e.emit(EventSuspendFailed, name, trigger, 0, 0, err)
		return nil, err
	}

	e.emit(EventSuspendComplete, name, trigger, 0, nextWake, nil)
	return reg.Find(name), nil
}

// Resume relaunches a suspended tenant's VM and reinstates its route. The
// tenant keeps its uid, cid and gateway port; only the VM pid is new.
func (e *Engine) Resume(ctx context.Context, name, trigger string) (*registry.Tenant, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	t, err := e.Get(name)
	if err != nil {
		return nil, err
	}
	if t.Status != registry.StatusSuspended {
		return nil, fmt.Errorf("%w: tenant %s is %s, not suspended", errdefs.ErrValidation, name, t.Status)
	}

	e.emit(EventResumeStart, name, trigger, 0, 0, nil)

	if !e.Vm.Exists(t.VmId) {
		if err := e.Vm.Prepare(ctx, e.vmSpec(t), t.Uid); err != nil {
			e.emit(EventResumeFailed, name, trigger, 0, 0, err)
			return nil, err
		}
	}

	pid, err := e.Vm.Start(t.VmId, t.Uid)
	if err != nil {
		e.emit(EventResumeFailed, name, trigger, 0, 0, err)
		return nil, err
	}

	agent := e.Dial(t.Cid, t.AgentToken)
	if err := agent.WaitForAgent(agentWaitTimeout); err != nil {
		e.emit(EventResumeFailed, name, trigger, pid, 0, err)
		return nil, err
	}
	if err := agent.InjectSecrets(e.secretsFor(t)); err != nil {
		e.emit(EventResumeFailed, name, trigger, pid, 0, err)
		return nil, err
	}
	if err := agent.LaunchOpenclaw(); err != nil {
		e.emit(EventResumeFailed, name, trigger, pid, 0, err)
		return nil, err
	}

	if err := e.Proxy.AddRoute(name, name+"."+e.Cfg.Domain(), t.GatewayPort); err != nil {
		e.emit(EventResumeFailed, name, trigger, pid, 0, err)
		return nil, err
	}

	reg, err := e.Store.Mutate(func(r *registry.Registry) error {
		row := r.Find(name)
		if row == nil {
			return errdefs.ErrTenantNotFound
		}
		row.Status = registry.StatusActive
		row.VmPid = pid
		row.SuspendInfo = nil
		return nil
	})
	if err != nil {
		e.emit(EventResumeFailed, name, trigger, pid, 0, err)
		return nil, err
	}

	e.emit(EventResumeComplete, name, trigger, pid, 0, nil)
	return reg.Find(name), nil
}

// NextWake computes the next wake time for a standard 5-field cron
// schedule.
func NextWake(schedule string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: wake schedule %q: %v", errdefs.ErrValidation, schedule, err)
	}
	return sched.Next(after), nil
}
