package hearthd

import "github.com/hearthd/hearthd/logging"

// Logger is the structured logging contract used across the runtime.
// It lives in the logging package so subsystem packages can depend on it
// without importing the runtime core.
type Logger = logging.Logger
