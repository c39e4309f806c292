package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func NewEvictCommand() *cobra.Command {
	var yes bool
	var finalSnapshot bool
	cmd := &cobra.Command{
		Use:   "evict <name>",
		Short: "Tear down a tenant and all its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !yes {
				fmt.Printf("evict tenant %q and destroy its dataset? [y/N] ", name)
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if strings.ToLower(strings.TrimSpace(line)) != "y" {
					fmt.Println("aborted")
					return nil
				}
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.engine.Evict(cmd.Context(), name, finalSnapshot, stepBar(8, "evict "+name)); err != nil {
				return err
			}
			fmt.Printf("tenant %s evicted\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	cmd.Flags().BoolVar(&finalSnapshot, "final-snapshot", false, "snapshot the dataset and archive it instead of destroying it")
	return cmd
}
