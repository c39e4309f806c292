package jailer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestPrepareChrootLinksImages(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "jail")
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.ext4")
	overlay := filepath.Join(dir, "overlay.ext4")
	writeFile(t, kernel, "kernel")
	writeFile(t, rootfs, "rootfs")
	writeFile(t, overlay, "overlay")

	// Chown to the current uid so the test does not need root.
	uid := os.Getuid()
	require.NoError(t, PrepareChroot(base, "alice", kernel, rootfs, overlay, uid))

	root := ChrootDir(base, "alice")
	for _, name := range []string{"vmlinux", "rootfs.ext4", "overlay.ext4"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		require.NoError(t, err, name)
		assert.NotEmpty(t, data)
	}
	assert.True(t, ChrootExists(base, "alice"))

	// Re-preparing over an existing chroot is fine (resume path).
	require.NoError(t, PrepareChroot(base, "alice", kernel, rootfs, overlay, uid))

	require.NoError(t, CleanupChroot(base, "alice"))
	assert.False(t, ChrootExists(base, "alice"))
	require.NoError(t, CleanupChroot(base, "alice"))
}

func TestWriteVMConfig(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(ChrootDir(base, "alice"), 0755))

	rel, err := WriteVMConfig(base, MachineSpec{
		VmId:   "alice",
		Cid:    3,
		TapDev: "tap-alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "./vmconfig.json", rel)

	data, err := os.ReadFile(filepath.Join(ChrootDir(base, "alice"), "vmconfig.json"))
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))

	boot := cfg["boot-source"].(map[string]any)
	assert.Equal(t, "./vmlinux", boot["kernel_image_path"])

	drives := cfg["drives"].([]any)
	require.Len(t, drives, 2)
	rootDrive := drives[0].(map[string]any)
	assert.Equal(t, true, rootDrive["is_root_device"])
	assert.Equal(t, true, rootDrive["is_read_only"])
	overlayDrive := drives[1].(map[string]any)
	assert.Equal(t, false, overlayDrive["is_read_only"])

	machine := cfg["machine-config"].(map[string]any)
	assert.Equal(t, float64(1), machine["vcpu_count"])
	assert.Equal(t, float64(512), machine["mem_size_mib"])

	ifaces := cfg["network-interfaces"].([]any)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "tap-alice", ifaces[0].(map[string]any)["host_dev_name"])

	vsock := cfg["vsock"].(map[string]any)
	assert.Equal(t, float64(3), vsock["guest_cid"])
	assert.Equal(t, "./v.sock", vsock["uds_path"])
}

func TestBuildJailerArgs(t *testing.T) {
	argv := BuildJailerArgs("/usr/bin/jailer", "/usr/bin/firecracker", "/srv/jail", "alice", 10000, "./vmconfig.json")
	assert.Equal(t, []string{
		"/usr/bin/jailer",
		"--id", "alice",
		"--exec-file", "/usr/bin/firecracker",
		"--uid", "10000",
		"--gid", "10000",
		"--chroot-base-dir", "/srv/jail",
		"--",
		"--config-file", "./vmconfig.json",
	}, argv)
}

func TestAliveRejectsBadPids(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-5))
	assert.True(t, Alive(os.Getpid()))
}
