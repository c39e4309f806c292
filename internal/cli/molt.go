package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func NewMoltCommand() *cobra.Command {
	var asJson bool
	cmd := &cobra.Command{
		Use:   "molt [name]",
		Short: "Reconcile live resources against the registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput = asJson
			a, err := loadApp()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			results, moltErr := a.engine.Molt(cmd.Context(), name, nil)
			if results == nil && moltErr != nil {
				return moltErr
			}
			if asJson {
				if encErr := json.NewEncoder(os.Stdout).Encode(results); encErr != nil {
					return encErr
				}
				return moltErr
			}
			unhealthy := 0
			for _, r := range results {
				state := "healthy"
				if !r.Healthy {
					state = "UNHEALTHY (" + strings.Join(r.Failures, ", ") + ")"
					unhealthy++
				}
				line := fmt.Sprintf("%-20s %s", r.Name, state)
				if len(r.Actions) > 0 {
					line += "  repaired: " + strings.Join(r.Actions, ", ")
				}
				fmt.Println(line)
			}
			// A named molt that exhausted its repair budget surfaces the
			// typed RepairExceeded error; a sweep just summarizes.
			if moltErr != nil {
				return moltErr
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d tenant(s) unhealthy", unhealthy)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJson, "json", false, "emit JSON results")
	return cmd
}
