package jailer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

const (
	configFileName = "vmconfig.json"
	vsockUdsName   = "v.sock"

	kernelArgs = "console=ttyS0 reboot=k panic=1 pci=off quiet"
)

// MachineSpec is what varies between tenants when composing the Firecracker
// config file.
type MachineSpec struct {
	VmId     string
	Cid      uint32
	TapDev   string
	VcpuCount int64
	MemMib    int64
}

// vmConfig is the firecracker --config-file payload. Field types come from
// the SDK's client models so the on-wire names stay in lockstep with the
// Firecracker API.
type vmConfig struct {
	BootSource        models.BootSource          `json:"boot-source"`
	Drives            []models.Drive             `json:"drives"`
	MachineConfig     models.MachineConfiguration `json:"machine-config"`
	NetworkInterfaces []models.NetworkInterface  `json:"network-interfaces"`
	Vsock             *models.Vsock              `json:"vsock,omitempty"`
}

// WriteVMConfig serializes the machine config into the chroot and returns
// the path of the file relative to the chroot root, which is how the jailed
// Firecracker will address it.
func WriteVMConfig(baseDir string, spec MachineSpec) (string, error) {
	if spec.VcpuCount <= 0 {
		spec.VcpuCount = 1
	}
	if spec.MemMib <= 0 {
		spec.MemMib = 512
	}
	cfg := vmConfig{
		BootSource: models.BootSource{
			KernelImagePath: firecracker.String("./" + kernelFile),
			BootArgs:        kernelArgs,
		},
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String("./" + rootfsFile),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(true),
			},
			{
				DriveID:      firecracker.String("overlay"),
				PathOnHost:   firecracker.String("./" + overlayFile),
				IsRootDevice: firecracker.Bool(false),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		MachineConfig: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(spec.VcpuCount),
			MemSizeMib: firecracker.Int64(spec.MemMib),
		},
		NetworkInterfaces: []models.NetworkInterface{
			{
				IfaceID:     firecracker.String("eth0"),
				HostDevName: firecracker.String(spec.TapDev),
			},
		},
		Vsock: &models.Vsock{
			VsockID:  "vsock0",
			GuestCid: firecracker.Int64(int64(spec.Cid)),
			UdsPath:  firecracker.String("./" + vsockUdsName),
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal vm config: %v", errdefs.ErrJailerSetup, err)
	}
	path := filepath.Join(ChrootDir(baseDir, spec.VmId), configFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: write vm config: %v", errdefs.ErrJailerSetup, err)
	}
	return "./" + configFileName, nil
}

// VsockUdsPath returns the host-side path of the vsock unix socket that
// Firecracker creates inside the chroot.
func VsockUdsPath(baseDir, vmId string) string {
	return filepath.Join(ChrootDir(baseDir, vmId), vsockUdsName)
}

// BuildJailerArgs returns the argv for launching the jailer, which chroots,
// drops to the tenant uid and execs Firecracker with the prepared config.
func BuildJailerArgs(jailerBin, firecrackerBin, baseDir, vmId string, uid int, configPath string) []string {
	return []string{
		jailerBin,
		"--id", vmId,
		"--exec-file", firecrackerBin,
		"--uid", fmt.Sprintf("%d", uid),
		"--gid", fmt.Sprintf("%d", uid),
		"--chroot-base-dir", baseDir,
		"--",
		"--config-file", configPath,
	}
}
