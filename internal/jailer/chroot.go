// Package jailer prepares chroots for and launches Firecracker under the
// jailer sandbox wrapper.
package jailer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

const (
	kernelFile  = "vmlinux"
	rootfsFile  = "rootfs.ext4"
	overlayFile = "overlay.ext4"
)

// ChrootDir returns the jailer root directory for a vm id. The jailer itself
// appends firecracker/<id>/root under its chroot base.
func ChrootDir(baseDir, vmId string) string {
	return filepath.Join(baseDir, "firecracker", vmId, "root")
}

// PrepareChroot lays out the chroot for vmId: kernel and rootfs hard-linked
// in (read-only inputs), the writable overlay linked and chowned to the
// tenant uid so the jailed process can open it after dropping privileges.
func PrepareChroot(baseDir, vmId, kernel, rootfs, overlay string, uid int) error {
	root := ChrootDir(baseDir, vmId)
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", errdefs.ErrJailerSetup, root, err)
	}
	for _, f := range []struct{ src, dst string }{
		{kernel, filepath.Join(root, kernelFile)},
		{rootfs, filepath.Join(root, rootfsFile)},
		{overlay, filepath.Join(root, overlayFile)},
	} {
		if err := linkOrCopy(f.src, f.dst); err != nil {
			return fmt.Errorf("%w: %s: %v", errdefs.ErrJailerSetup, f.dst, err)
		}
	}
	if err := os.Chown(filepath.Join(root, overlayFile), uid, uid); err != nil {
		return fmt.Errorf("%w: chown overlay: %v", errdefs.ErrJailerSetup, err)
	}
	if err := os.Chown(root, uid, uid); err != nil {
		return fmt.Errorf("%w: chown chroot: %v", errdefs.ErrJailerSetup, err)
	}
	logrus.WithFields(logrus.Fields{"component": "jailer", "vmId": vmId, "root": root}).Debug("chroot prepared")
	return nil
}

// ChrootExists reports whether the chroot carries the three images.
func ChrootExists(baseDir, vmId string) bool {
	root := ChrootDir(baseDir, vmId)
	for _, name := range []string{kernelFile, rootfsFile, overlayFile} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			return false
		}
	}
	return true
}

// CleanupChroot removes the vm's chroot tree. Missing trees are success.
func CleanupChroot(baseDir, vmId string) error {
	dir := filepath.Join(baseDir, "firecracker", vmId)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: cleanup %s: %v", errdefs.ErrJailerSetup, dir, err)
	}
	return nil
}

// linkOrCopy hard-links src to dst, falling back to a copy when the link
// crosses filesystems. An up-to-date dst is left alone.
func linkOrCopy(src, dst string) error {
	if sameFile(src, dst) {
		return nil
	}
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
