package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lobsterlabs/lobsterd/internal/jailer"
	"github.com/lobsterlabs/lobsterd/internal/registry"
)

type tenantRow struct {
	*registry.Tenant
	Vm string `json:"vm"`
}

// vmState probes the tenant's VM process without ever failing the listing.
func vmState(t *registry.Tenant) string {
	switch t.Status {
	case registry.StatusSuspended:
		return "-"
	case registry.StatusActive, registry.StatusInitializing, registry.StatusDegraded:
		if t.VmPid == 0 {
			return "unknown"
		}
		if jailer.Alive(t.VmPid) {
			return fmt.Sprintf("pid %d", t.VmPid)
		}
		return "dead"
	default:
		return "unknown"
	}
}

func NewListCommand() *cobra.Command {
	var asJson bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput = asJson
			a, err := loadApp()
			if err != nil {
				return err
			}
			tenants, err := a.engine.List()
			if err != nil {
				return err
			}
			if asJson {
				rows := make([]tenantRow, 0, len(tenants))
				for _, t := range tenants {
					rows = append(rows, tenantRow{Tenant: t, Vm: vmState(t)})
				}
				return json.NewEncoder(os.Stdout).Encode(rows)
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Status", "UID", "CID", "Gateway", "Tap", "VM"})
			for _, t := range tenants {
				table.Append([]string{
					t.Name,
					string(t.Status),
					fmt.Sprintf("%d", t.Uid),
					fmt.Sprintf("%d", t.Cid),
					fmt.Sprintf("127.0.0.1:%d", t.GatewayPort),
					t.TapDev,
					vmState(t),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJson, "json", false, "emit JSON")
	return cmd
}
