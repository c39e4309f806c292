// Package bootstrap validates the host and lays down the directories,
// default config and base proxy config that every other command assumes.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/hostexec"
	"github.com/lobsterlabs/lobsterd/internal/network"
	"github.com/lobsterlabs/lobsterd/internal/proxy"
	"github.com/lobsterlabs/lobsterd/internal/registry"
)

// Check is one preflight item.
type Check struct {
	Name     string `json:"name"`
	Ok       bool   `json:"ok"`
	Detail   string `json:"detail,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// Report collects the outcome of init.
type Report struct {
	Checks []Check `json:"checks"`
}

// Ok reports whether every mandatory check passed.
func (r *Report) Ok() bool {
	for _, c := range r.Checks {
		if !c.Ok && !c.Optional {
			return false
		}
	}
	return true
}

func (r *Report) add(name string, ok bool, detail string, optional bool) {
	r.Checks = append(r.Checks, Check{Name: name, Ok: ok, Detail: detail, Optional: optional})
}

// BundledCerts is where the installer drops origin TLS material to be
// copied into the config tree on init.
var BundledCerts = "/usr/share/lobsterd/certs"

var log = logrus.WithField("component", "bootstrap")

// Run performs the init sequence. Mandatory check failures make the
// returned error non-nil; the report always describes everything that was
// probed.
func Run(ctx context.Context, cfg *config.Config, proxyDriver proxy.Driver, net *network.Driver) (*Report, error) {
	rep := &Report{}

	rep.add("linux", runtime.GOOS == "linux", runtime.GOOS, false)
	if runtime.GOOS != "linux" {
		return rep, errdefs.ErrNotLinux
	}

	rep.add("root", os.Geteuid() == 0, fmt.Sprintf("euid %d", os.Geteuid()), false)
	if os.Geteuid() != 0 {
		return rep, errdefs.ErrNotRoot
	}

	if err := checkAccessible("/dev/kvm"); err != nil {
		rep.add("kvm", false, err.Error(), false)
		return rep, errdefs.ErrKvmNotAvailable
	}
	rep.add("kvm", true, "/dev/kvm", false)

	if err := checkExecutable(cfg.Firecracker.BinaryPath); err != nil {
		rep.add("firecracker", false, err.Error(), false)
		return rep, errdefs.ErrFirecrackerMissing
	}
	rep.add("firecracker", true, cfg.Firecracker.BinaryPath, false)

	if err := checkExecutable(cfg.Jailer.BinaryPath); err != nil {
		rep.add("jailer", false, err.Error(), false)
		return rep, errdefs.ErrJailerMissing
	}
	rep.add("jailer", true, cfg.Jailer.BinaryPath, false)

	for _, img := range []struct{ name, path string }{
		{"kernel", cfg.Firecracker.KernelPath},
		{"rootfs", cfg.Firecracker.RootfsPath},
	} {
		if _, err := os.Stat(img.path); err != nil {
			rep.add(img.name, false, img.path, false)
			return rep, fmt.Errorf("%w: %s image missing at %s", errdefs.ErrValidation, img.name, img.path)
		}
		rep.add(img.name, true, img.path, false)
	}

	// vhost_vsock is best-effort: it may be built in, or already loaded.
	_, err := hostexec.RunUnchecked(ctx, []string{"modprobe", "vhost_vsock"}, hostexec.Options{Timeout: 10 * time.Second})
	rep.add("vhost_vsock", err == nil, "", true)

	// Config tree: traversable but not listable, so tenant uids can reach
	// their own material without enumerating neighbors.
	if err := os.MkdirAll(cfg.ConfigDir, 0711); err != nil {
		return rep, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.MkdirAll(cfg.CertsDir(), 0755); err != nil {
		return rep, fmt.Errorf("create certs dir: %w", err)
	}
	for _, sub := range []string{"overlays", "sockets", "kernels", "jailer", "ssh"} {
		if err := os.MkdirAll(filepath.Join(cfg.RuntimeDir, sub), 0755); err != nil {
			return rep, fmt.Errorf("create runtime dir %s: %w", sub, err)
		}
	}
	rep.add("directories", true, cfg.ConfigDir+", "+cfg.RuntimeDir, false)

	if _, err := os.Stat(filepath.Join(cfg.ConfigDir, config.ConfigFileName)); os.IsNotExist(err) {
		if err := cfg.Save(); err != nil {
			return rep, err
		}
		log.Info("default config written")
	}
	store := registry.NewStore(cfg.RegistryPath(), cfg.Tenants.UidStart, cfg.Tenants.GatewayPortStart)
	if _, err := os.Stat(cfg.RegistryPath()); os.IsNotExist(err) {
		reg, err := store.Load()
		if err != nil {
			return rep, err
		}
		if err := store.Save(reg); err != nil {
			return rep, err
		}
		log.Info("empty registry written")
	}
	rep.add("config", true, "", false)

	installed, err := installBundledCerts(cfg)
	if err != nil {
		return rep, err
	}
	rep.add("certs", true, installed, true)

	if err := net.EnableIpForwarding(); err != nil {
		rep.add("ip-forwarding", false, err.Error(), false)
		return rep, err
	}
	rep.add("ip-forwarding", true, "", false)

	// Firewall chain with the proxy's uid accepted ahead of any tenant
	// drop, so the reverse proxy can always reach tenant gateways.
	if fw, err := network.NewFirewall(); err == nil {
		if err := fw.EnsureChain(); err != nil {
			rep.add("firewall", false, err.Error(), false)
			return rep, err
		}
		if uid, ok := proxyUid(); ok {
			if err := fw.AddUidBypass(uid); err != nil {
				rep.add("firewall", false, err.Error(), false)
				return rep, err
			}
		}
		rep.add("firewall", true, "", false)
	} else {
		rep.add("firewall", false, err.Error(), false)
		return rep, err
	}

	if err := proxyDriver.WriteBaseConfig(); err != nil {
		rep.add("proxy", false, err.Error(), false)
		return rep, err
	}
	rep.add("proxy", true, "", false)

	log.Info("init complete")
	return rep, nil
}

// proxyUid resolves the reverse proxy's host account.
func proxyUid() (int, bool) {
	for _, name := range []string{"caddy", "www-data", "nginx"} {
		if u, err := user.Lookup(name); err == nil {
			if uid, err := strconv.Atoi(u.Uid); err == nil {
				return uid, true
			}
		}
	}
	return 0, false
}

func checkAccessible(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%s not accessible: %v", path, err)
	}
	f.Close()
	return nil
}

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	if fi.Mode()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// installBundledCerts copies origin TLS material shipped with the package
// into the config tree, unless already present or the bundle is empty.
func installBundledCerts(cfg *config.Config) (string, error) {
	var installed []string
	for _, name := range []string{"origin.pem", "origin.key"} {
		src := filepath.Join(BundledCerts, name)
		dst := filepath.Join(cfg.CertsDir(), name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil || len(data) == 0 {
			continue
		}
		mode := os.FileMode(0644)
		if name == "origin.key" {
			mode = 0600
		}
		if err := os.WriteFile(dst, data, mode); err != nil {
			return "", fmt.Errorf("install cert %s: %w", name, err)
		}
		installed = append(installed, name)
	}
	if len(installed) == 0 {
		return "none", nil
	}
	return fmt.Sprintf("%v", installed), nil
}
