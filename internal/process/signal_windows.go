//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalGroup can only terminate on Windows; every signal maps to Kill.
func signalGroup(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func ParseSignal(name string) (syscall.Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SIGTERM", "TERM", "SIGKILL", "KILL", "SIGINT", "INT":
		return syscall.SIGTERM, nil
	}
	return 0, fmt.Errorf("unsupported kill_signal %q", name)
}
