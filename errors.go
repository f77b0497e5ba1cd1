package hearthd

import (
	"errors"
)

// Runtime errors
var (
	// Configuration errors
	ErrConfigFileRead      = errors.New("failed to read config file")
	ErrConfigParse         = errors.New("failed to parse config file")
	ErrConfigSectionGone   = errors.New("no 'hearthd' section in config file")
	ErrConfigEnvOverride   = errors.New("failed to apply environment override")
	ErrConfigValidation    = errors.New("config validation failed")
	ErrConfigTimeParse     = errors.New("failed to parse schedule time")
	ErrConfigFormatUnknown = errors.New("unsupported config file format")

	// Path checks performed before subsystem construction
	ErrPathMissing      = errors.New("required path does not exist")
	ErrPathNotDirectory = errors.New("required path is not a directory")

	// Service registry errors
	ErrServiceAlreadyRegistered = errors.New("service already registered")
	ErrServiceNotFound          = errors.New("service not found")

	// Sequence errors
	ErrSequenceNotFound       = errors.New("sequence not found")
	ErrSequenceAlreadyRunning = errors.New("sequence already running")

	// Lifecycle errors
	ErrRuntimeStopping = errors.New("runtime is stopping, no subsystem may be constructed")
	ErrRunFault        = errors.New("unexpected fault during run sequence")
)
