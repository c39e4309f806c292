package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewSnapCommand() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "snap <name>",
		Short: "Snapshot a tenant's dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			res, err := a.engine.Snap(args[0], prune)
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %s@%s\n", args[0], res.Tag)
			if len(res.Pruned) > 0 {
				fmt.Printf("pruned: %s\n", strings.Join(res.Pruned, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "prune snapshots beyond the retention count")
	return cmd
}
