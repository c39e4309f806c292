package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobsterlabs/lobsterd/internal/bootstrap"
	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/network"
)

func NewInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Validate the host and set up lobsterd directories and config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			rep, err := bootstrap.Run(cmd.Context(), cfg, newProxyDriver(cfg), network.New())
			for _, c := range rep.Checks {
				mark := "ok"
				if !c.Ok {
					mark = "FAIL"
					if c.Optional {
						mark = "skip"
					}
				}
				fmt.Printf("  %-14s %-4s %s\n", c.Name, mark, c.Detail)
			}
			return err
		},
	}
}
