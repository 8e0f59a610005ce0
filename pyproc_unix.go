//go:build !windows
// +build !windows

package adamboot

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSignalsForChannel configures the channel to receive SIGINT and SIGTERM.
func setSignalsForChannel(c chan os.Signal) {
	signal.Notify(c, unix.SIGINT, unix.SIGTERM)
}

// NotifyStopSignals relays the signals a host treats as a stop request.
// The returned function stops the relay.
func NotifyStopSignals(c chan os.Signal) func() {
	setSignalsForChannel(c)
	return func() { signal.Stop(c) }
}

// setExtraFiles attaches extra files to the command.
// On Unix, extra files start at FD 3 (after stdin=0, stdout=1, stderr=2).
func setExtraFiles(cmd *exec.Cmd, extraFiles []*os.File) {
	cmd.ExtraFiles = extraFiles
}

// configureSysProcAttr puts Python in its own process group so a terminal
// ^C reaches only the host, which then stops the application in order.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks the process to exit.
func terminateProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(p.Pid, unix.SIGTERM)
}
