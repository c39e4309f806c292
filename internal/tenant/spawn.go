package tenant

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/network"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/zfs"
)

// agentWaitTimeout bounds the post-launch poll for the guest agent.
const agentWaitTimeout = 60 * time.Second

// Spawn provisions a new tenant end to end. The registry row is written
// first (status initializing) so a crash mid-way leaves a row that molt can
// finish or evict; any later failure triggers a best-effort evict and the
// original error is surfaced.
func (e *Engine) Spawn(ctx context.Context, name string, step StepFunc) (*registry.Tenant, error) {
	if step == nil {
		step = noStep
	}
	if !registry.ValidName(name) {
		return nil, fmt.Errorf("%w: tenant name %q is not a DNS label", errdefs.ErrValidation, name)
	}
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	// Step 1: reserve allocations. The allocators advance here and never
	// roll back, so identities are unique for all time.
	step("reserve allocations")
	var t *registry.Tenant
	_, err := e.Store.Mutate(func(r *registry.Registry) error {
		if r.Find(name) != nil {
			return errdefs.ErrTenantExists
		}
		uid, cid, port := e.Store.AllocateIdentity(r)
		hostCidr, _ := network.TenantAddresses(uid, e.Cfg.Tenants.UidStart)
		t = &registry.Tenant{
			Name:        name,
			Uid:         uid,
			Cid:         cid,
			GatewayPort: port,
			IpAddress:   hostCidr,
			TapDev:      "tap-" + name,
			VmId:        name,
			AgentToken:  strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
			HomePath:    filepath.Join(e.Cfg.Tenants.HomeBase, name),
			Status:      registry.StatusInitializing,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		r.Tenants = append(r.Tenants, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	tenant, err := e.provision(ctx, t, step)
	if err != nil {
		e.log.WithFields(logrus.Fields{"tenant": name, "error": err}).Error("spawn failed, rolling back")
		// The pid is only persisted on activation; kill the VM from the
		// in-memory row so the rollback does not leak the process.
		if t.VmPid != 0 {
			if stopErr := e.Vm.Shutdown(t.VmPid, vmStopGrace); stopErr != nil {
				e.log.WithField("tenant", name).WithError(stopErr).Warn("rollback vm stop")
			}
		}
		if evictErr := e.evictLocked(ctx, name, false, noStep); evictErr != nil {
			e.log.WithField("tenant", name).WithError(evictErr).Warn("rollback evict incomplete")
		}
		return nil, err
	}
	return tenant, nil
}

// provision runs spawn steps 2..10 against an existing initializing row.
func (e *Engine) provision(ctx context.Context, t *registry.Tenant, step StepFunc) (*registry.Tenant, error) {
	step("create dataset")
	if err := e.Zfs.CreateDataset(e.datasetPath(t.Name), zfs.CreateOpts{
		Quota:       e.Cfg.Zfs.DefaultQuota,
		Compression: e.Cfg.Zfs.Compression,
	}); err != nil {
		return nil, err
	}

	step("create network")
	if err := e.Net.CreateTap(t.TapDev, t.Uid); err != nil {
		return nil, err
	}
	if err := e.Net.AssignAddress(t.TapDev, t.IpAddress); err != nil {
		return nil, err
	}
	if err := e.Fw.EnsureChain(); err != nil {
		return nil, err
	}
	if err := e.Fw.AddTenantDrop(t.Uid); err != nil {
		return nil, err
	}

	step("generate ssh keypair")
	pub, err := e.Ssh.Generate(t.Name)
	if err != nil {
		return nil, err
	}
	t.SshPublicKey = pub

	step("prepare chroot")
	if err := e.Vm.Prepare(ctx, e.vmSpec(t), t.Uid); err != nil {
		return nil, err
	}

	step("launch vm")
	pid, err := e.Vm.Start(t.VmId, t.Uid)
	if err != nil {
		return nil, err
	}
	t.VmPid = pid

	step("wait for agent")
	agent := e.Dial(t.Cid, t.AgentToken)
	if err := agent.WaitForAgent(agentWaitTimeout); err != nil {
		return nil, err
	}

	step("inject secrets")
	if err := agent.InjectSecrets(e.secretsFor(t)); err != nil {
		return nil, err
	}
	if err := agent.LaunchOpenclaw(); err != nil {
		return nil, err
	}

	step("add proxy route")
	if err := e.Proxy.AddRoute(t.Name, t.Name+"."+e.Cfg.Domain(), t.GatewayPort); err != nil {
		return nil, err
	}

	step("activate")
	reg, err := e.Store.Mutate(func(r *registry.Registry) error {
		row := r.Find(t.Name)
		if row == nil {
			return errdefs.ErrTenantNotFound
		}
		row.Status = registry.StatusActive
		row.VmPid = t.VmPid
		row.SshPublicKey = t.SshPublicKey
		row.SuspendInfo = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"tenant": t.Name, "uid": t.Uid, "pid": t.VmPid}).Info("tenant active")
	return reg.Find(t.Name), nil
}

func (e *Engine) vmSpec(t *registry.Tenant) VmSpec {
	return VmSpec{
		VmId:   t.VmId,
		Cid:    t.Cid,
		TapDev: t.TapDev,
	}
}

// secretsFor assembles the payload handed to the guest agent: the gateway
// token plus the openclaw seed material from config.
func (e *Engine) secretsFor(t *registry.Tenant) map[string]string {
	secrets := map[string]string{
		"GATEWAY_TOKEN":    t.AgentToken,
		"TENANT_NAME":      t.Name,
		"SSH_PUBLIC_KEY":   t.SshPublicKey,
		"OPENCLAW_INSTALL": e.Cfg.Openclaw.InstallPath,
	}
	for k, v := range e.Cfg.Openclaw.ApiKeys {
		secrets["OPENCLAW_APIKEY_"+strings.ToUpper(k)] = v
	}
	return secrets
}
