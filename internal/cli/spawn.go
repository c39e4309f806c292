package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// spawnSteps matches the reported step count of the spawn sequence.
const spawnSteps = 10

func NewSpawnCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "spawn <name>",
		Short: "Provision a new tenant microVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.engine.Spawn(cmd.Context(), args[0], stepBar(spawnSteps, "spawn "+args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("tenant %s active: uid=%d cid=%d gateway=127.0.0.1:%d host=%s.%s\n",
				t.Name, t.Uid, t.Cid, t.GatewayPort, t.Name, a.cfg.Domain())
			return nil
		},
	}
}
