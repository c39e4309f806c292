package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lobsterlabs/lobsterd/internal/proxy"
	"github.com/lobsterlabs/lobsterd/internal/zfs"
)

// The fakes mirror the real drivers' contracts: destroy is idempotent,
// create conflicts on an existing resource.

type fakeZfs struct {
	mu        sync.Mutex
	datasets  map[string]bool
	snapshots map[string][]string
	failCreate bool
}

func newFakeZfs() *fakeZfs {
	return &fakeZfs{datasets: map[string]bool{}, snapshots: map[string][]string{}}
}

func (f *fakeZfs) CreateDataset(path string, opts zfs.CreateOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return fmt.Errorf("zfs create failed")
	}
	if f.datasets[path] {
		return fmt.Errorf("dataset %s already exists", path)
	}
	f.datasets[path] = true
	return nil
}

func (f *fakeZfs) DatasetExists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.datasets[path], nil
}

func (f *fakeZfs) DestroyDataset(path string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.datasets, path)
	delete(f.snapshots, path)
	return nil
}

func (f *fakeZfs) Snapshot(path, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.datasets[path] {
		return "", fmt.Errorf("dataset %s does not exist", path)
	}
	f.snapshots[path] = append(f.snapshots[path], tag)
	return path + "@" + tag, nil
}

func (f *fakeZfs) ListSnapshots(path string) ([]zfs.SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []zfs.SnapshotInfo
	for _, tag := range f.snapshots[path] {
		out = append(out, zfs.SnapshotInfo{Name: path + "@" + tag, Tag: tag})
	}
	return out, nil
}

func (f *fakeZfs) PruneSnapshots(path string, keep int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := f.snapshots[path]
	if len(tags) <= keep {
		return nil, nil
	}
	pruned := append([]string(nil), tags[:len(tags)-keep]...)
	f.snapshots[path] = append([]string(nil), tags[len(tags)-keep:]...)
	return pruned, nil
}

func (f *fakeZfs) Rename(path, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.datasets[path] {
		return fmt.Errorf("dataset %s does not exist", path)
	}
	if f.datasets[newPath] {
		return fmt.Errorf("dataset %s already exists", newPath)
	}
	delete(f.datasets, path)
	f.datasets[newPath] = true
	if snaps, ok := f.snapshots[path]; ok {
		delete(f.snapshots, path)
		f.snapshots[newPath] = snaps
	}
	return nil
}

func (f *fakeZfs) ListChildren(parent string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{parent}
	for ds := range f.datasets {
		out = append(out, ds)
	}
	return out, nil
}

type fakeNet struct {
	mu    sync.Mutex
	taps  map[string]int
	addrs map[string]string
	rx    map[string]uint64
}

func newFakeNet() *fakeNet {
	return &fakeNet{taps: map[string]int{}, addrs: map[string]string{}, rx: map[string]uint64{}}
}

func (f *fakeNet) CreateTap(name string, uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.taps[name]; ok {
		return fmt.Errorf("tap %s exists", name)
	}
	f.taps[name] = uid
	return nil
}

func (f *fakeNet) DeleteTap(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.taps, name)
	delete(f.addrs, name)
	return nil
}

func (f *fakeNet) TapExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.taps[name]
	return ok, nil
}

func (f *fakeNet) AssignAddress(name, hostCidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[name] = hostCidr
	return nil
}

func (f *fakeNet) HasAddress(name, hostCidr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[name] == hostCidr, nil
}

func (f *fakeNet) RxBytes(dev string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rx[dev], nil
}

func (f *fakeNet) setRx(dev string, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx[dev] = v
}

type fakeFw struct {
	mu    sync.Mutex
	drops map[int]bool
}

func newFakeFw() *fakeFw { return &fakeFw{drops: map[int]bool{}} }

func (f *fakeFw) EnsureChain() error { return nil }

func (f *fakeFw) AddTenantDrop(uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops[uid] = true
	return nil
}

func (f *fakeFw) RemoveTenantDrop(uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drops, uid)
	return nil
}

func (f *fakeFw) HasTenantDrop(uid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops[uid], nil
}

type fakeVm struct {
	mu       sync.Mutex
	chroots  map[string]bool
	alive    map[int]bool
	nextPid  int
	failStart bool
}

func newFakeVm() *fakeVm {
	return &fakeVm{chroots: map[string]bool{}, alive: map[int]bool{}, nextPid: 4000}
}

func (f *fakeVm) Prepare(ctx context.Context, spec VmSpec, uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chroots[spec.VmId] = true
	return nil
}

func (f *fakeVm) Exists(vmId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chroots[vmId]
}

func (f *fakeVm) Cleanup(vmId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chroots, vmId)
	return nil
}

func (f *fakeVm) Start(vmId string, uid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return 0, fmt.Errorf("jailer launch failed")
	}
	f.nextPid++
	f.alive[f.nextPid] = true
	return f.nextPid, nil
}

func (f *fakeVm) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeVm) Shutdown(pid int, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	return nil
}

func (f *fakeVm) RemoveOverlay(vmId string) error { return nil }

func (f *fakeVm) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

type fakeSsh struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeSsh() *fakeSsh { return &fakeSsh{keys: map[string]bool{}} }

func (f *fakeSsh) Generate(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = true
	return "ssh-ed25519 AAAA lobsterd-" + name, nil
}

func (f *fakeSsh) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, name)
	return nil
}

func (f *fakeSsh) KeyPath(name string) string { return "/tmp/keys/" + name }

type fakeProxy struct {
	mu     sync.Mutex
	routes map[string]int
	hosts  map[string]string
	fail   bool
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{routes: map[string]int{}, hosts: map[string]string{}}
}

func (f *fakeProxy) AddRoute(name, host string, upstreamPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("admin api unreachable")
	}
	f.routes[name] = upstreamPort
	f.hosts[name] = host
	return nil
}

func (f *fakeProxy) RemoveRoute(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, name)
	delete(f.hosts, name)
	return nil
}

func (f *fakeProxy) HasRoute(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[name]
	return ok, nil
}

func (f *fakeProxy) ListRoutes() ([]proxy.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proxy.Route
	for name, port := range f.routes {
		out = append(out, proxy.Route{Name: name, Host: f.hosts[name], UpstreamPort: port})
	}
	return out, nil
}

func (f *fakeProxy) WriteBaseConfig() error { return nil }

type fakeAgent struct {
	mu          sync.Mutex
	connections int
	unreachable bool
	injected    int
}

func (f *fakeAgent) WaitForAgent(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return fmt.Errorf("agent unreachable")
	}
	return nil
}

func (f *fakeAgent) HealthPing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return fmt.Errorf("agent unreachable")
	}
	return nil
}

func (f *fakeAgent) InjectSecrets(secrets map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected++
	return nil
}

func (f *fakeAgent) LaunchOpenclaw() error { return nil }
func (f *fakeAgent) Shutdown() error       { return nil }

func (f *fakeAgent) AcquireHold(id string, ttl time.Duration) error { return nil }
func (f *fakeAgent) ReleaseHold(id string) error                    { return nil }

func (f *fakeAgent) GetActiveConnections() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return 0, fmt.Errorf("agent unreachable")
	}
	return f.connections, nil
}

func (f *fakeAgent) FetchLogs(service string) (string, error) { return "", nil }

func (f *fakeAgent) setConnections(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = n
}
