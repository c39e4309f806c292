package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lobsterlabs/lobsterd/internal/watchdog"
)

func NewWatchCommand() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the idle/traffic/cron watchdog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			w := watchdog.New(a.cfg, a.engine)

			events, unsub := a.engine.Events.Subscribe()
			defer unsub()
			go func() {
				enc := json.NewEncoder(os.Stdout)
				for ev := range events {
					if daemon {
						enc.Encode(ev)
						continue
					}
					line := fmt.Sprintf("%s  %-18s %s", ev.At.Format("15:04:05"), ev.Kind, ev.Tenant)
					if ev.Trigger != "" {
						line += " (" + ev.Trigger + ")"
					}
					if ev.Error != "" {
						line += " error: " + ev.Error
					}
					fmt.Println(line)
				}
			}()

			w.Start(cmd.Context())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			w.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "JSON event output for supervised operation")
	return cmd
}
