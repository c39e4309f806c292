package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

type tankReport struct {
	Pool struct {
		Name      string `json:"name"`
		Health    string `json:"health"`
		Size      uint64 `json:"size"`
		Allocated uint64 `json:"allocated"`
		Free      uint64 `json:"free"`
	} `json:"pool"`
	HostMemory struct {
		Total     uint64 `json:"total"`
		Available uint64 `json:"available"`
	} `json:"hostMemory"`
	Tenants []struct {
		Name  string `json:"name"`
		Used  uint64 `json:"used"`
		Quota uint64 `json:"quota"`
	} `json:"tenants"`
}

func NewTankCommand() *cobra.Command {
	var asJson bool
	cmd := &cobra.Command{
		Use:   "tank",
		Short: "Show pool capacity and per-tenant storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput = asJson
			a, err := loadApp()
			if err != nil {
				return err
			}
			pool, err := a.zfs.Pool(a.cfg.Zfs.Pool)
			if err != nil {
				return err
			}
			var rep tankReport
			rep.Pool.Name = pool.Name
			rep.Pool.Health = pool.Health
			rep.Pool.Size = pool.Size
			rep.Pool.Allocated = pool.Allocated
			rep.Pool.Free = pool.Free

			if vm, err := mem.VirtualMemory(); err == nil {
				rep.HostMemory.Total = vm.Total
				rep.HostMemory.Available = vm.Available
			}

			tenants, err := a.engine.List()
			if err != nil {
				return err
			}
			for _, t := range tenants {
				row := struct {
					Name  string `json:"name"`
					Used  uint64 `json:"used"`
					Quota uint64 `json:"quota"`
				}{Name: t.Name}
				if ds, err := a.zfs.DatasetInfo(a.cfg.Zfs.ParentDataset + "/" + t.Name); err == nil {
					row.Used = ds.Used
					row.Quota = ds.Quota
				}
				rep.Tenants = append(rep.Tenants, row)
			}

			if asJson {
				return json.NewEncoder(os.Stdout).Encode(rep)
			}

			fmt.Printf("pool %s (%s): %s used of %s, %s free\n",
				rep.Pool.Name, rep.Pool.Health,
				humanBytes(rep.Pool.Allocated), humanBytes(rep.Pool.Size), humanBytes(rep.Pool.Free))
			fmt.Printf("host memory: %s available of %s\n\n",
				humanBytes(rep.HostMemory.Available), humanBytes(rep.HostMemory.Total))

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Tenant", "Used", "Quota"})
			for _, t := range rep.Tenants {
				table.Append([]string{t.Name, humanBytes(t.Used), humanBytes(t.Quota)})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJson, "json", false, "emit JSON")
	return cmd
}
