//go:build windows

package signals

import (
	"errors"
	"os"
)

var watched = []os.Signal{os.Interrupt}

func isReload(os.Signal) bool { return false }

func isDump(os.Signal) bool { return false }

// SendHUP is not supported on Windows.
func SendHUP(int) error {
	return errors.New("SIGHUP is not supported on windows")
}
