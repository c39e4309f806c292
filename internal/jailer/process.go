package jailer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

var log = logrus.WithField("component", "jailer")

// Launch starts the jailer detached from lobsterd and returns the jailer
// pid. The jailer execs Firecracker in place, so the pid stays valid for the
// VM's whole life and outlives this process.
func Launch(argv []string, baseDir, vmId string) (int, error) {
	logPath := filepath.Join(baseDir, "firecracker", vmId, "firecracker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: open vm log: %v", errdefs.ErrJailerSetup, err)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: start jailer: %v", errdefs.ErrJailerSetup, err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	log.WithFields(logrus.Fields{"vmId": vmId, "pid": pid}).Info("vm launched")
	return pid, nil
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Stop terminates the VM process: SIGTERM, a bounded wait, then SIGKILL.
// A pid that is already gone is success.
func Stop(pid int, grace time.Duration) error {
	if !Alive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal vm pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.WithField("pid", pid).Warn("vm did not exit on SIGTERM, killing")
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill vm pid %d: %w", pid, err)
	}
	for i := 0; i < 25 && Alive(pid); i++ {
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}
