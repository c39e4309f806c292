package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/hostexec"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/sshkeys"
)

func NewExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <name> -- <cmd> [args...]",
		Short: "Run a command inside a tenant's guest over SSH",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.engine.Get(args[0])
			if err != nil {
				return err
			}
			if t.Status != registry.StatusActive {
				return fmt.Errorf("%w: tenant %s is %s", errdefs.ErrValidation, t.Name, t.Status)
			}
			guestIP := t.GuestIP()
			if guestIP == "" {
				return fmt.Errorf("%w: tenant %s has no address", errdefs.ErrValidation, t.Name)
			}

			agent := a.engine.AgentFor(t)
			holdId := uuid.NewString()
			if err := agent.AcquireHold(holdId, holdTtl); err != nil {
				logrus.WithError(err).Debug("agent hold unavailable")
			} else {
				defer agent.ReleaseHold(holdId)
			}

			keyPath := sshkeys.New(sshDir(a.cfg)).KeyPath(t.Name)
			argv := []string{
				"ssh",
				"-i", keyPath,
				"-o", "BatchMode=yes",
				"-o", "StrictHostKeyChecking=no",
				"-o", "UserKnownHostsFile=/dev/null",
				"root@" + guestIP,
				"--",
			}
			argv = append(argv, args[1:]...)
			res, err := hostexec.RunUnchecked(cmd.Context(), argv, hostexec.Options{Timeout: 30 * time.Second})
			if err != nil {
				return err
			}
			fmt.Print(res.Stdout)
			if res.Stderr != "" {
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			}
			if res.ExitCode != 0 {
				return &errdefs.ExecError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
			}
			return nil
		},
	}
	return cmd
}
