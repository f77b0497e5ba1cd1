//go:build windows

package hearthd

import (
	"os"
	"syscall"
)

// watchedSignals returns the signals the supervisor registers for. Windows
// has no USR1 or HUP delivery; diagnostics and reload are reachable through
// EnqueueControl instead.
func watchedSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func controlForSignal(sig os.Signal) (ControlEvent, bool) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return ControlShutdown, true
	default:
		return 0, false
	}
}
