package hearthd

import (
	"fmt"
	"time"
)

// timeLayouts accepted for starttime/endtime values.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02#15:04:05",
	time.RFC3339,
}

// Config is the immutable, fully validated configuration snapshot consumed
// by the runtime at construction time. It is created once before
// orchestration begins and never mutated afterward.
//
// Field tags drive the loader: yaml/toml for the config file and env for
// HEARTHD_* environment overrides.
type Config struct {
	// ConfigDir is the directory holding runtime configuration.
	ConfigDir string `yaml:"config_dir" toml:"config_dir" env:"CONFIG_DIR"`

	// AppDir is the directory holding app units. Defaults to
	// ConfigDir/apps when apps are enabled.
	AppDir string `yaml:"app_dir" toml:"app_dir" env:"APP_DIR"`

	// DisableApps turns off the app worker pool and the app manager.
	DisableApps bool `yaml:"disable_apps" toml:"disable_apps" env:"DISABLE_APPS"`

	// Timewarp is the factor the scheduler clock advances at relative to
	// real time. 1 is real time.
	Timewarp float64 `yaml:"timewarp" toml:"timewarp" env:"TIMEWARP"`

	// StartTime optionally pins the scheduler clock's virtual start.
	StartTime string `yaml:"starttime" toml:"starttime" env:"STARTTIME"`

	// EndTime optionally stops the runtime once the scheduler clock
	// passes it.
	EndTime string `yaml:"endtime" toml:"endtime" env:"ENDTIME"`

	// TotalThreads overrides the app worker-thread count when positive.
	TotalThreads int `yaml:"total_threads" toml:"total_threads" env:"TOTAL_THREADS"`

	// PinApps pins each app to a fixed worker thread.
	PinApps bool `yaml:"pin_apps" toml:"pin_apps" env:"PIN_APPS"`

	// PinThreads is the app worker-thread count used when TotalThreads
	// is unset.
	PinThreads int `yaml:"pin_threads" toml:"pin_threads" env:"PIN_THREADS"`

	// ThreadpoolWorkers sizes the general-purpose executor pool used for
	// offloading blocking operations.
	ThreadpoolWorkers int `yaml:"threadpool_workers" toml:"threadpool_workers" env:"THREADPOOL_WORKERS"`

	// UtilityDelay is the utility loop poll interval in seconds.
	UtilityDelay int `yaml:"utility_delay" toml:"utility_delay" env:"UTILITY_DELAY"`

	// AdminDelay is the admin loop poll interval in seconds.
	AdminDelay int `yaml:"admin_delay" toml:"admin_delay" env:"ADMIN_DELAY"`

	// MaxUtilitySkew is the utility loop duration, in seconds, above which
	// a warning is logged.
	MaxUtilitySkew float64 `yaml:"max_utility_skew" toml:"max_utility_skew" env:"MAX_UTILITY_SKEW"`

	// QsizeWarningThreshold is the worker queue depth above which a
	// warning is logged.
	QsizeWarningThreshold int `yaml:"qsize_warning_threshold" toml:"qsize_warning_threshold" env:"QSIZE_WARNING_THRESHOLD"`

	// ProductionMode suppresses app change detection in the utility loop.
	ProductionMode bool `yaml:"production_mode" toml:"production_mode" env:"PRODUCTION_MODE"`

	// LogLevel is the global log level name.
	LogLevel string `yaml:"loglevel" toml:"loglevel" env:"LOGLEVEL"`

	// Namespaces configures state namespaces; persisted ones are flushed
	// to disk at terminate.
	Namespaces map[string]NamespaceConfig `yaml:"namespaces" toml:"namespaces"`

	startAt *time.Time
	endAt   *time.Time
}

// NamespaceConfig configures a single state namespace.
type NamespaceConfig struct {
	// Persistent namespaces are flushed to a snapshot file at terminate.
	Persistent bool `yaml:"persistent" toml:"persistent"`
}

// AppsEnabled reports whether the app worker pool and app manager are
// constructed.
func (c *Config) AppsEnabled() bool {
	return !c.DisableApps
}

// PinnedWorkers returns the app worker-thread count.
func (c *Config) PinnedWorkers() int {
	if c.TotalThreads > 0 {
		return c.TotalThreads
	}
	return c.PinThreads
}

// UtilityInterval returns the utility loop poll interval.
func (c *Config) UtilityInterval() time.Duration {
	return time.Duration(c.UtilityDelay) * time.Second
}

// AdminInterval returns the admin loop poll interval.
func (c *Config) AdminInterval() time.Duration {
	return time.Duration(c.AdminDelay) * time.Second
}

// PersistentNamespaces returns the names of namespaces flushed to disk at
// terminate.
func (c *Config) PersistentNamespaces() []string {
	var out []string
	for name, ns := range c.Namespaces {
		if ns.Persistent {
			out = append(out, name)
		}
	}
	return out
}

// StartAt returns the parsed scheduler start time, nil when unset.
func (c *Config) StartAt() *time.Time {
	return c.startAt
}

// EndAt returns the parsed scheduler end time, nil when unset.
func (c *Config) EndAt() *time.Time {
	return c.endAt
}

// setDefaults fills zero values with production defaults.
func (c *Config) setDefaults() {
	if c.Timewarp == 0 {
		c.Timewarp = 1
	}
	if c.PinThreads == 0 {
		c.PinThreads = 10
	}
	if c.ThreadpoolWorkers == 0 {
		c.ThreadpoolWorkers = 10
	}
	if c.UtilityDelay == 0 {
		c.UtilityDelay = 1
	}
	if c.AdminDelay == 0 {
		c.AdminDelay = 1
	}
	if c.MaxUtilitySkew == 0 {
		c.MaxUtilitySkew = float64(c.UtilityDelay) * 2
	}
	if c.QsizeWarningThreshold == 0 {
		c.QsizeWarningThreshold = 50
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.AppDir == "" && c.ConfigDir != "" {
		c.AppDir = c.ConfigDir + "/apps"
	}
}

// Validate applies defaults and checks the snapshot for consistency.
// Validation failure is fatal and happens before any subsystem exists.
func (c *Config) Validate() error {
	c.setDefaults()

	if c.Timewarp <= 0 {
		return fmt.Errorf("%w: timewarp must be positive, got %v", ErrConfigValidation, c.Timewarp)
	}
	if c.TotalThreads < 0 {
		return fmt.Errorf("%w: total_threads must not be negative", ErrConfigValidation)
	}
	if c.PinThreads < 0 {
		return fmt.Errorf("%w: pin_threads must not be negative", ErrConfigValidation)
	}
	if c.ThreadpoolWorkers < 1 {
		return fmt.Errorf("%w: threadpool_workers must be at least 1", ErrConfigValidation)
	}
	if c.UtilityDelay < 1 || c.AdminDelay < 1 {
		return fmt.Errorf("%w: utility_delay and admin_delay must be at least 1 second", ErrConfigValidation)
	}
	if c.AppsEnabled() && c.ConfigDir == "" {
		return fmt.Errorf("%w: config_dir is required when apps are enabled", ErrConfigValidation)
	}

	var err error
	if c.startAt, err = parseScheduleTime(c.StartTime); err != nil {
		return err
	}
	if c.endAt, err = parseScheduleTime(c.EndTime); err != nil {
		return err
	}
	if c.startAt != nil && c.endAt != nil && !c.endAt.After(*c.startAt) {
		return fmt.Errorf("%w: endtime must be after starttime", ErrConfigValidation)
	}

	return nil
}

func parseScheduleTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrConfigTimeParse, value)
}
