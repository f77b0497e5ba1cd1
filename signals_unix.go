//go:build unix

package hearthd

import (
	"os"
	"syscall"
)

// watchedSignals returns the signals the supervisor registers for.
func watchedSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1}
}

// controlForSignal maps a signal to its control event. SIGUSR1 dumps
// diagnostics, SIGHUP reloads apps, SIGINT and SIGTERM shut down.
func controlForSignal(sig os.Signal) (ControlEvent, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return ControlDumpDiagnostics, true
	case syscall.SIGHUP:
		return ControlReloadApps, true
	case syscall.SIGINT, syscall.SIGTERM:
		return ControlShutdown, true
	default:
		return 0, false
	}
}
