// Package cli wires the lobsterd subcommands. Each command gets its own
// NewXCommand constructor; main assembles them under the root.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/jailer"
	"github.com/lobsterlabs/lobsterd/internal/network"
	"github.com/lobsterlabs/lobsterd/internal/proxy"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/sshkeys"
	"github.com/lobsterlabs/lobsterd/internal/tenant"
	"github.com/lobsterlabs/lobsterd/internal/vsockrpc"
	"github.com/lobsterlabs/lobsterd/internal/zfs"
)

var (
	configDir string
	verbose   bool
)

// NewRootCommand builds the lobsterd root with all subcommands attached.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "lobsterd",
		Short:         "orchestrator for Firecracker microVM tenants",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultConfigDir, "configuration directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Version = version

	root.AddCommand(NewInitCommand())
	root.AddCommand(NewSpawnCommand())
	root.AddCommand(NewEvictCommand())
	root.AddCommand(NewMoltCommand())
	root.AddCommand(NewListCommand())
	root.AddCommand(NewSnapCommand())
	root.AddCommand(NewWatchCommand())
	root.AddCommand(NewTankCommand())
	root.AddCommand(NewLogsCommand())
	root.AddCommand(NewExecCommand())
	return root
}

// Execute runs the root command, printing one error line (or a JSON error
// envelope) and exiting non-zero on failure.
func Execute(version string) {
	root := NewRootCommand(version)
	if err := root.Execute(); err != nil {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			enc.Encode(map[string]any{"error": map[string]string{
				"code":    errdefs.Code(err),
				"message": err.Error(),
			}})
		} else {
			fmt.Fprintf(os.Stderr, "lobsterd: %v\n", err)
		}
		os.Exit(1)
	}
}

// jsonOutput is set by commands that take --json so Execute can match the
// output format on error.
var jsonOutput bool

// app is everything a command needs once wiring is done.
type app struct {
	cfg    *config.Config
	store  *registry.Store
	engine *tenant.Engine
	zfs    *zfs.Driver
	net    *network.Driver
}

// vmAdapter narrows jailer.Driver to the engine's VmDriver interface.
type vmAdapter struct {
	*jailer.Driver
}

func (a vmAdapter) Prepare(ctx context.Context, spec tenant.VmSpec, uid int) error {
	return a.Driver.Prepare(ctx, jailer.MachineSpec{
		VmId:   spec.VmId,
		Cid:    spec.Cid,
		TapDev: spec.TapDev,
	}, uid)
}

// loadApp builds the full driver stack from the host config.
func loadApp() (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	store := registry.NewStore(cfg.RegistryPath(), cfg.Tenants.UidStart, cfg.Tenants.GatewayPortStart)
	zfsDriver := zfs.New()
	netDriver := network.New()
	fw, err := network.NewFirewall()
	if err != nil {
		return nil, err
	}
	sshDriver := sshkeys.New(sshDir(cfg))
	proxyDriver := newProxyDriver(cfg)
	dial := func(cid uint32, token string) tenant.Agent {
		return vsockrpc.NewClient(cid, cfg.Vsock.AgentPort, token)
	}
	engine := tenant.New(cfg, store, zfsDriver, netDriver, fw, vmAdapter{jailer.NewDriver(cfg)}, sshDriver, proxyDriver, dial)
	return &app{cfg: cfg, store: store, engine: engine, zfs: zfsDriver, net: netDriver}, nil
}

func newProxyDriver(cfg *config.Config) proxy.Driver {
	if cfg.Nginx != nil {
		path := cfg.Nginx.SitesPath
		if path == "" {
			path = "/etc/nginx/sites-enabled/lobsterd.conf"
		}
		return proxy.NewNginx(path)
	}
	caddyCfg := cfg.Caddy
	if caddyCfg == nil {
		caddyCfg = config.Default().Caddy
	}
	return proxy.NewCaddy(caddyCfg.AdminApi, caddyCfg.Tls, cfg.CertsDir())
}

func sshDir(cfg *config.Config) string {
	return cfg.RuntimeDir + "/ssh"
}

// stepBar renders engine step progress on stderr.
func stepBar(total int, title string) tenant.StepFunc {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(title),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)
	return func(step string) {
		bar.Describe(fmt.Sprintf("%s: %s", title, step))
		bar.Add(1)
	}
}
