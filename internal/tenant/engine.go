// Package tenant is the lifecycle engine: it composes the resource drivers
// into the spawn, evict, molt, suspend, resume and snap operations, with one
// in-flight operation per tenant at a time.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/proxy"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/zfs"
)

// ZfsDriver is the slice of the ZFS driver the engine needs.
type ZfsDriver interface {
	CreateDataset(path string, opts zfs.CreateOpts) error
	DatasetExists(path string) (bool, error)
	DestroyDataset(path string, recursive bool) error
	Snapshot(path, tag string) (string, error)
	ListSnapshots(path string) ([]zfs.SnapshotInfo, error)
	PruneSnapshots(path string, keep int) ([]string, error)
	ListChildren(parent string) ([]string, error)
	Rename(path, newPath string) error
}

// NetworkDriver covers tap devices and their addresses.
type NetworkDriver interface {
	CreateTap(name string, uid int) error
	DeleteTap(name string) error
	TapExists(name string) (bool, error)
	AssignAddress(name, hostCidr string) error
	HasAddress(name, hostCidr string) (bool, error)
	RxBytes(dev string) (uint64, error)
}

// FirewallDriver covers the LOBSTER chain.
type FirewallDriver interface {
	EnsureChain() error
	AddTenantDrop(uid int) error
	RemoveTenantDrop(uid int) error
	HasTenantDrop(uid int) (bool, error)
}

// VmDriver covers chroot preparation and the VM process.
type VmDriver interface {
	Prepare(ctx context.Context, spec VmSpec, uid int) error
	Exists(vmId string) bool
	Cleanup(vmId string) error
	Start(vmId string, uid int) (int, error)
	IsAlive(pid int) bool
	Shutdown(pid int, grace time.Duration) error
	RemoveOverlay(vmId string) error
}

// VmSpec mirrors jailer.MachineSpec without importing it, so fakes stay
// trivial.
type VmSpec struct {
	VmId      string
	Cid       uint32
	TapDev    string
	VcpuCount int64
	MemMib    int64
}

// SshDriver covers the tenant keypair.
type SshDriver interface {
	Generate(name string) (string, error)
	Remove(name string) error
	KeyPath(name string) string
}

// Agent is one tenant's vsock RPC client.
type Agent interface {
	WaitForAgent(timeout time.Duration) error
	HealthPing() error
	InjectSecrets(secrets map[string]string) error
	LaunchOpenclaw() error
	Shutdown() error
	AcquireHold(id string, ttl time.Duration) error
	ReleaseHold(id string) error
	GetActiveConnections() (int, error)
	FetchLogs(service string) (string, error)
}

// AgentDialer builds the client for a tenant's cid and token.
type AgentDialer func(cid uint32, token string) Agent

// StepFunc receives progress for long operations; the CLI renders it.
type StepFunc func(step string)

// Engine composes the drivers. All public operations are serialized per
// tenant through the in-flight gate.
type Engine struct {
	Cfg   *config.Config
	Store *registry.Store

	Zfs   ZfsDriver
	Net   NetworkDriver
	Fw    FirewallDriver
	Vm    VmDriver
	Ssh   SshDriver
	Proxy proxy.Driver
	Dial  AgentDialer

	Events *Emitter

	mu      sync.Mutex
	busy    map[string]bool
	repairs map[string]int

	log *logrus.Entry
}

// New builds an engine around the given drivers.
func New(cfg *config.Config, store *registry.Store, z ZfsDriver, n NetworkDriver, f FirewallDriver, v VmDriver, s SshDriver, p proxy.Driver, dial AgentDialer) *Engine {
	return &Engine{
		Cfg:     cfg,
		Store:   store,
		Zfs:     z,
		Net:     n,
		Fw:      f,
		Vm:      v,
		Ssh:     s,
		Proxy:   p,
		Dial:    dial,
		Events:  NewEmitter(64),
		busy:    make(map[string]bool),
		repairs: make(map[string]int),
		log:     logrus.WithField("component", "tenant"),
	}
}

// acquire takes the tenant's in-flight slot or fails with
// ErrOperationInFlight.
func (e *Engine) acquire(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[name] {
		return errdefs.ErrOperationInFlight
	}
	e.busy[name] = true
	return nil
}

func (e *Engine) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, name)
}

// TryLock takes the tenant's in-flight slot from outside the engine and
// reports false when another operation already holds it.
func (e *Engine) TryLock(name string) bool {
	return e.acquire(name) == nil
}

// Unlock releases a slot taken with TryLock.
func (e *Engine) Unlock(name string) { e.release(name) }

func (e *Engine) datasetPath(name string) string {
	return e.Cfg.Zfs.ParentDataset + "/" + name
}

// Get returns the registry row for a tenant.
func (e *Engine) Get(name string) (*registry.Tenant, error) {
	reg, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	t := reg.Find(name)
	if t == nil {
		return nil, errdefs.ErrTenantNotFound
	}
	return t, nil
}

// List returns all registry rows.
func (e *Engine) List() ([]*registry.Tenant, error) {
	reg, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	return reg.Tenants, nil
}

// AgentFor builds the vsock client for a tenant row.
func (e *Engine) AgentFor(t *registry.Tenant) Agent {
	return e.Dial(t.Cid, t.AgentToken)
}

func noStep(string) {}
