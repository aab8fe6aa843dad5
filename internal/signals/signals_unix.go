//go:build !windows

package signals

import (
	"fmt"
	"os"
	"syscall"
)

var watched = []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM}

func isReload(sig os.Signal) bool { return sig == syscall.SIGHUP }

func isDump(sig os.Signal) bool { return sig == syscall.SIGUSR1 }

// SendHUP asks the process with pid to reload.
func SendHUP(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGHUP)
}
