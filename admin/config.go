package admin

import "time"

// UIConfig configures one admin UI consumer.
type UIConfig struct {
	Title string `yaml:"title" toml:"title"`
}

// Config is the optional HTTP layer configuration. A nil Config means HTTP
// is disabled entirely; a Config with no consumers means the layer is not
// constructed at all.
type Config struct {
	// Addr is the listen address, e.g. ":5050".
	Addr string `yaml:"addr" toml:"addr"`

	// StaticDirs maps URL prefixes to filesystem directories.
	StaticDirs map[string]string `yaml:"static_dirs" toml:"static_dirs"`

	// LegacyAdmin enables the original admin UI when non-nil.
	LegacyAdmin *UIConfig `yaml:"old_admin" toml:"old_admin"`

	// NewAdmin enables the current admin UI when non-nil.
	NewAdmin *UIConfig `yaml:"admin" toml:"admin"`

	// API enables the JSON API.
	API bool `yaml:"api" toml:"api"`

	// AdminInterval is the admin loop poll interval.
	AdminInterval time.Duration `yaml:"-" toml:"-"`
}

// HasConsumers reports whether any of the layer's consumers is configured.
// With none, the layer is never constructed.
func (c *Config) HasConsumers() bool {
	if c == nil {
		return false
	}
	return c.LegacyAdmin != nil || c.NewAdmin != nil || c.API
}

// HasAdminUI reports whether either admin UI is configured; only then is
// the admin loop scheduled.
func (c *Config) HasAdminUI() bool {
	if c == nil {
		return false
	}
	return c.LegacyAdmin != nil || c.NewAdmin != nil
}

// Title returns the configured page title, preferring the new UI.
func (c *Config) Title() string {
	switch {
	case c.NewAdmin != nil && c.NewAdmin.Title != "":
		return c.NewAdmin.Title
	case c.LegacyAdmin != nil && c.LegacyAdmin.Title != "":
		return c.LegacyAdmin.Title
	default:
		return "hearthd Administrative Interface"
	}
}
