package jailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/hostexec"
)

// Driver binds the chroot, config-file and process helpers to one host
// configuration.
type Driver struct {
	FirecrackerBin string
	JailerBin      string
	KernelPath     string
	RootfsPath     string
	ChrootBase     string
	OverlayDir     string
}

func NewDriver(cfg *config.Config) *Driver {
	return &Driver{
		FirecrackerBin: cfg.Firecracker.BinaryPath,
		JailerBin:      cfg.Jailer.BinaryPath,
		KernelPath:     cfg.Firecracker.KernelPath,
		RootfsPath:     cfg.Firecracker.RootfsPath,
		ChrootBase:     cfg.Jailer.ChrootBaseDir,
		OverlayDir:     filepath.Join(cfg.RuntimeDir, "overlays"),
	}
}

func (d *Driver) overlayPath(vmId string) string {
	return filepath.Join(d.OverlayDir, vmId+".ext4")
}

// EnsureOverlay creates the tenant's writable overlay image if it does not
// exist yet: a 1 GiB sparse file formatted ext4.
func (d *Driver) EnsureOverlay(ctx context.Context, vmId string) error {
	path := d.overlayPath(vmId)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(d.OverlayDir, 0755); err != nil {
		return fmt.Errorf("%w: mkdir overlays: %v", errdefs.ErrJailerSetup, err)
	}
	if _, err := hostexec.Run(ctx, []string{
		"dd", "if=/dev/zero", "of=" + path, "bs=1M", "count=0", "seek=1024",
	}, hostexec.Options{Timeout: 30 * time.Second}); err != nil {
		return err
	}
	if _, err := hostexec.Run(ctx, []string{"mkfs.ext4", "-q", "-F", path}, hostexec.Options{Timeout: 60 * time.Second}); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// RemoveOverlay deletes the overlay image. Missing is success.
func (d *Driver) RemoveOverlay(vmId string) error {
	if err := os.Remove(d.overlayPath(vmId)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove overlay: %v", errdefs.ErrJailerSetup, err)
	}
	return nil
}

// Prepare lays out the chroot and writes the VM config for the tenant.
func (d *Driver) Prepare(ctx context.Context, spec MachineSpec, uid int) error {
	if err := d.EnsureOverlay(ctx, spec.VmId); err != nil {
		return err
	}
	if err := PrepareChroot(d.ChrootBase, spec.VmId, d.KernelPath, d.RootfsPath, d.overlayPath(spec.VmId), uid); err != nil {
		return err
	}
	_, err := WriteVMConfig(d.ChrootBase, spec)
	return err
}

// Exists reports whether the chroot is fully populated.
func (d *Driver) Exists(vmId string) bool {
	return ChrootExists(d.ChrootBase, vmId)
}

// Cleanup removes the chroot tree.
func (d *Driver) Cleanup(vmId string) error {
	return CleanupChroot(d.ChrootBase, vmId)
}

// Start launches the VM and returns the jailer pid.
func (d *Driver) Start(vmId string, uid int) (int, error) {
	argv := BuildJailerArgs(d.JailerBin, d.FirecrackerBin, d.ChrootBase, vmId, uid, "./"+configFileName)
	return Launch(argv, d.ChrootBase, vmId)
}

// IsAlive reports whether the VM process is running.
func (d *Driver) IsAlive(pid int) bool { return Alive(pid) }

// Shutdown stops the VM process with the given grace period.
func (d *Driver) Shutdown(pid int, grace time.Duration) error { return Stop(pid, grace) }
