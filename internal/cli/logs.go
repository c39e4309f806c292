package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// holdTtl bounds how long an operator session pauses auto-suspend.
const holdTtl = 2 * time.Minute

func NewLogsCommand() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Fetch recent logs from a tenant's guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.engine.Get(args[0])
			if err != nil {
				return err
			}
			agent := a.engine.AgentFor(t)

			// Holds are an optional agent capability; older agents reject
			// the message and the fetch proceeds without one.
			holdId := uuid.NewString()
			if err := agent.AcquireHold(holdId, holdTtl); err != nil {
				logrus.WithError(err).Debug("agent hold unavailable")
			} else {
				defer agent.ReleaseHold(holdId)
			}

			logs, err := agent.FetchLogs(service)
			if err != nil {
				return err
			}
			fmt.Print(logs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "limit to one guest service")
	return cmd
}
