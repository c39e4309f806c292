package tenant

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/registry"
)

type harness struct {
	engine *Engine
	zfs    *fakeZfs
	net    *fakeNet
	fw     *fakeFw
	vm     *fakeVm
	ssh    *fakeSsh
	proxy  *fakeProxy
	agent  *fakeAgent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.ConfigDir = t.TempDir()
	cfg.Watchdog.MaxRepairAttempts = 2
	store := registry.NewStore(filepath.Join(cfg.ConfigDir, "registry.json"),
		cfg.Tenants.UidStart, cfg.Tenants.GatewayPortStart)

	h := &harness{
		zfs:   newFakeZfs(),
		net:   newFakeNet(),
		fw:    newFakeFw(),
		vm:    newFakeVm(),
		ssh:   newFakeSsh(),
		proxy: newFakeProxy(),
		agent: &fakeAgent{},
	}
	dial := func(cid uint32, token string) Agent { return h.agent }
	h.engine = New(cfg, store, h.zfs, h.net, h.fw, h.vm, h.ssh, h.proxy, dial)
	return h
}

func TestSpawnAllocatesIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 10000, alice.Uid)
	assert.Equal(t, 9000, alice.GatewayPort)
	assert.Equal(t, uint32(3), alice.Cid)
	assert.Equal(t, "tap-alice", alice.TapDev)
	assert.Equal(t, registry.StatusActive, alice.Status)
	assert.NotZero(t, alice.VmPid)
	assert.NotEmpty(t, alice.AgentToken)

	assert.Equal(t, 9000, h.proxy.routes["alice"])
	assert.Equal(t, "alice.lobster.local", h.proxy.hosts["alice"])

	bob, err := h.engine.Spawn(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 10001, bob.Uid)
	assert.Equal(t, 9001, bob.GatewayPort)
	assert.Equal(t, uint32(4), bob.Cid)
}

func TestSpawnRejectsDuplicateAndBadNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = h.engine.Spawn(ctx, "alice", nil)
	assert.ErrorIs(t, err, errdefs.ErrTenantExists)

	_, err = h.engine.Spawn(ctx, "Not_A_Label", nil)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestUidsNeverReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, 10000, alice.Uid)

	_, err = h.engine.Spawn(ctx, "bob", nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.Evict(ctx, "alice", false, nil))

	carol, err := h.engine.Spawn(ctx, "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, 10002, carol.Uid)
	assert.Equal(t, 9002, carol.GatewayPort)
}

func TestSpawnRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.proxy.fail = true
	ctx := context.Background()

	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.Error(t, err)

	reg, loadErr := h.engine.Store.Load()
	require.NoError(t, loadErr)
	assert.Nil(t, reg.Find("alice"), "failed spawn must not leave a row")
	assert.Empty(t, h.zfs.datasets)
	assert.Empty(t, h.net.taps)
	assert.Empty(t, h.vm.chroots)
	assert.Empty(t, h.fw.drops)

	// The allocators still advanced: identities are never reused even for
	// failed spawns.
	assert.Equal(t, 10001, reg.NextUid)
	assert.Equal(t, 9001, reg.NextGatewayPort)
}

func TestEvictIsIdempotentOnResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	// Remove some resources out from under the engine; evict must still
	// finish.
	h.net.DeleteTap("tap-alice")
	h.proxy.RemoveRoute("alice")

	require.NoError(t, h.engine.Evict(ctx, "alice", false, nil))
	reg, _ := h.engine.Store.Load()
	assert.Nil(t, reg.Find("alice"))

	err = h.engine.Evict(ctx, "alice", false, nil)
	assert.ErrorIs(t, err, errdefs.ErrTenantNotFound)
}

func TestEvictFinalSnapshotArchivesDataset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	ds := h.engine.Cfg.Zfs.ParentDataset + "/alice"
	require.True(t, h.zfs.datasets[ds])

	require.NoError(t, h.engine.Evict(ctx, "alice", true, nil))

	// The live dataset name is gone, but the data survived the evict:
	// renamed under archive/ with the final snapshot still attached. A
	// recursive destroy would have taken the snapshot with it.
	assert.False(t, h.zfs.datasets[ds])
	var archived string
	for path := range h.zfs.datasets {
		if strings.HasPrefix(path, h.engine.Cfg.Zfs.ParentDataset+"/archive/alice-final-") {
			archived = path
		}
	}
	require.NotEmpty(t, archived, "dataset must be retained under the archive tree, got %v", h.zfs.datasets)
	require.Len(t, h.zfs.snapshots[archived], 1)
	assert.True(t, strings.HasPrefix(h.zfs.snapshots[archived][0], "final-"))

	reg, _ := h.engine.Store.Load()
	assert.Nil(t, reg.Find("alice"))
}

func TestMoltLeavesArchivedDatasetsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.Evict(ctx, "alice", true, nil))

	var archived string
	for path := range h.zfs.datasets {
		archived = path
	}
	require.NotEmpty(t, archived)

	// The archived dataset has no registry row, but the orphan sweep must
	// not destroy it.
	_, err = h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	assert.True(t, h.zfs.datasets[archived], "archive subtree must survive orphan collection")
}

func TestSuspendResumeKeepsIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	firstPid := alice.VmPid

	h.net.setRx("tap-alice", 1234)
	suspended, err := h.engine.Suspend(ctx, "alice", "idle")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuspended, suspended.Status)
	assert.Zero(t, suspended.VmPid)
	require.NotNil(t, suspended.SuspendInfo)
	assert.Equal(t, uint64(1234), suspended.SuspendInfo.LastRxBytes)
	_, hasRoute := h.proxy.routes["alice"]
	assert.False(t, hasRoute)

	// Suspending again is a validation error, not a crash.
	_, err = h.engine.Suspend(ctx, "alice", "idle")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	resumed, err := h.engine.Resume(ctx, "alice", "traffic")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, resumed.Status)
	assert.Nil(t, resumed.SuspendInfo)
	assert.NotZero(t, resumed.VmPid)
	assert.NotEqual(t, firstPid, resumed.VmPid)
	assert.Equal(t, alice.Uid, resumed.Uid)
	assert.Equal(t, alice.Cid, resumed.Cid)
	assert.Equal(t, alice.GatewayPort, resumed.GatewayPort)
	assert.Equal(t, 9000, h.proxy.routes["alice"])
}

func TestSuspendEmitsEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	events, unsub := h.engine.Events.Subscribe()
	defer unsub()

	_, err = h.engine.Suspend(ctx, "alice", "idle")
	require.NoError(t, err)

	first := <-events
	second := <-events
	assert.Equal(t, EventSuspendStart, first.Kind)
	assert.Equal(t, "idle", first.Trigger)
	assert.Equal(t, EventSuspendComplete, second.Kind)
	assert.Equal(t, "alice", second.Tenant)
}

func TestOperationGateExcludesConcurrentOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	require.True(t, h.engine.TryLock("alice"))
	defer h.engine.Unlock("alice")

	_, err = h.engine.Suspend(ctx, "alice", "idle")
	assert.ErrorIs(t, err, errdefs.ErrOperationInFlight)
	_, err = h.engine.Resume(ctx, "alice", "traffic")
	assert.ErrorIs(t, err, errdefs.ErrOperationInFlight)
	err = h.engine.Evict(ctx, "alice", false, nil)
	assert.ErrorIs(t, err, errdefs.ErrOperationInFlight)

	// A different tenant is unaffected.
	_, err = h.engine.Spawn(ctx, "bob", nil)
	assert.NoError(t, err)
}

func TestConcurrentTriggersRunOperationOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var okCount, inflightCount int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Suspend(ctx, "alice", "idle")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, errdefs.ErrOperationInFlight) || errors.Is(err, errdefs.ErrValidation):
				inflightCount++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount, "exactly one suspend must win")
	assert.Equal(t, 7, inflightCount)
}

func TestMoltHealthyTenantTakesNoActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	results, err := h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Healthy)
	assert.Empty(t, results[0].Actions)

	// Idempotence: the second run is also action-free.
	results, err = h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	assert.Empty(t, results[0].Actions)
}

func TestMoltReinstatesDeletedRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	h.proxy.RemoveRoute("alice")

	results, err := h.engine.Molt(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Healthy)
	assert.Equal(t, []string{"proxy-route"}, results[0].Actions)
	assert.Equal(t, 9000, h.proxy.routes["alice"])
}

func TestMoltRestartsDeadVm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	h.vm.kill(alice.VmPid)

	results, err := h.engine.Molt(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Healthy)
	assert.Contains(t, results[0].Actions, "vm-process")

	after, err := h.engine.Get("alice")
	require.NoError(t, err)
	assert.NotEqual(t, alice.VmPid, after.VmPid)
	assert.True(t, h.vm.IsAlive(after.VmPid))
}

func TestMoltMarksDegradedAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	// Kill the VM and make relaunches fail.
	h.vm.kill(alice.VmPid)
	h.vm.mu.Lock()
	h.vm.failStart = true
	h.vm.mu.Unlock()

	results, err := h.engine.Molt(ctx, "alice", nil)
	require.ErrorIs(t, err, errdefs.ErrRepairExceeded)
	var repairErr *errdefs.RepairError
	require.True(t, errors.As(err, &repairErr))
	assert.Equal(t, "alice", repairErr.Tenant)
	assert.Contains(t, repairErr.Failures, "vm-process")
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)
	assert.Contains(t, results[0].Failures, "vm-process")

	after, err := h.engine.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDegraded, after.Status)

	// A full sweep skips the degraded tenant.
	results, err = h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Failures, "degraded")

	// Naming the tenant retries and, once the fault clears, reactivates.
	h.vm.mu.Lock()
	h.vm.failStart = false
	h.vm.mu.Unlock()
	results, err = h.engine.Molt(ctx, "alice", nil)
	require.NoError(t, err)
	assert.True(t, results[0].Healthy)
	cleared, err := h.engine.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, cleared.Status)
}

func TestMoltCompletesHalfBuiltTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a crash after step 1 of spawn: row exists, no resources.
	_, err := h.engine.Store.Mutate(func(r *registry.Registry) error {
		uid, cid, port := h.engine.Store.AllocateIdentity(r)
		r.Tenants = append(r.Tenants, &registry.Tenant{
			Name: "alice", Uid: uid, Cid: cid, GatewayPort: port,
			IpAddress: "10.231.0.1/30", TapDev: "tap-alice", VmId: "alice",
			AgentToken: "tok", HomePath: "/home/alice",
			Status:    registry.StatusInitializing,
			CreatedAt: "2026-01-01T00:00:00Z",
		})
		return nil
	})
	require.NoError(t, err)

	results, err := h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Healthy)

	after, err := h.engine.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, after.Status)
	assert.True(t, h.vm.IsAlive(after.VmPid))
	assert.Equal(t, 9000, h.proxy.routes["alice"])
}

func TestMoltEvictsUnrepairableHalfBuiltRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.vm.failStart = true

	_, err := h.engine.Store.Mutate(func(r *registry.Registry) error {
		uid, cid, port := h.engine.Store.AllocateIdentity(r)
		r.Tenants = append(r.Tenants, &registry.Tenant{
			Name: "alice", Uid: uid, Cid: cid, GatewayPort: port,
			IpAddress: "10.231.0.1/30", TapDev: "tap-alice", VmId: "alice",
			AgentToken: "tok", HomePath: "/home/alice",
			Status:    registry.StatusInitializing,
			CreatedAt: "2026-01-01T00:00:00Z",
		})
		return nil
	})
	require.NoError(t, err)

	results, err := h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)

	reg, _ := h.engine.Store.Load()
	assert.Nil(t, reg.Find("alice"), "unrepairable half-built row must be evicted")
	assert.Empty(t, h.zfs.datasets)
	assert.Empty(t, h.net.taps)
}

func TestMoltCollectsOrphanRoutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)

	h.proxy.AddRoute("ghost", "ghost.lobster.local", 9999)

	_, err = h.engine.Molt(ctx, "", nil)
	require.NoError(t, err)
	_, hasGhost := h.proxy.routes["ghost"]
	assert.False(t, hasGhost)
	assert.Equal(t, 9000, h.proxy.routes["alice"], "owned route untouched")
}

func TestSnapCreatesAndPrunes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Spawn(ctx, "alice", nil)
	require.NoError(t, err)
	h.engine.Cfg.Zfs.SnapshotRetention = 2

	ds := h.engine.Cfg.Zfs.ParentDataset + "/alice"
	h.zfs.Snapshot(ds, "2026-01-01T00.00.00Z")
	h.zfs.Snapshot(ds, "2026-01-02T00.00.00Z")

	res, err := h.engine.Snap("alice", true)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tag)
	assert.Equal(t, []string{"2026-01-01T00.00.00Z"}, res.Pruned)

	_, err = h.engine.Snap("ghost", false)
	assert.ErrorIs(t, err, errdefs.ErrTenantNotFound)
}
