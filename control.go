package hearthd

// ControlEvent is a tagged request produced by a signal handler and consumed
// asynchronously by the Supervisor. Events are ephemeral and never persisted.
type ControlEvent int

const (
	// ControlDumpDiagnostics requests an internal-state snapshot from the
	// scheduler, callback registry, worker pool and app manager.
	ControlDumpDiagnostics ControlEvent = iota

	// ControlReloadApps requests a terminate-and-reload of all app units.
	ControlReloadApps

	// ControlShutdown requests an orderly shutdown of the whole runtime.
	ControlShutdown
)

// String returns a human-readable name for the control event.
func (e ControlEvent) String() string {
	switch e {
	case ControlDumpDiagnostics:
		return "dump-diagnostics"
	case ControlReloadApps:
		return "reload-apps"
	case ControlShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
