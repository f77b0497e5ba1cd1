package hearthd

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/hearthd/hearthd/admin"
)

// envPrefix is prepended to every env tag when looking up overrides,
// e.g. HEARTHD_TIMEWARP.
const envPrefix = "HEARTHD"

// fileConfig mirrors the top-level layout of hearthd.yaml / hearthd.toml.
// The hearthd section is required; http, old_admin, admin and api gate the
// optional HTTP layer and its consumers.
type fileConfig struct {
	Hearthd  *Config         `yaml:"hearthd" toml:"hearthd"`
	HTTP     *httpSection    `yaml:"http" toml:"http"`
	OldAdmin *admin.UIConfig `yaml:"old_admin" toml:"old_admin"`
	Admin    *admin.UIConfig `yaml:"admin" toml:"admin"`
	API      *apiSection     `yaml:"api" toml:"api"`
}

type httpSection struct {
	Addr       string            `yaml:"addr" toml:"addr"`
	StaticDirs map[string]string `yaml:"static_dirs" toml:"static_dirs"`
}

// apiSection has no settings of its own; its presence enables the API.
type apiSection struct{}

// LoadConfigFile reads, parses and validates a configuration file. The
// format is chosen by extension: .toml is TOML, everything else YAML.
//
// The returned HTTP configuration is nil when the file has no http section;
// the caller decides whether any consumers are configured on it.
func LoadConfigFile(path string) (*Config, *admin.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(raw, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &fc)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrConfigFormatUnknown, filepath.Ext(path))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, err)
	}

	if fc.Hearthd == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrConfigSectionGone, path)
	}

	cfg := fc.Hearthd
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = filepath.Dir(path)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var httpCfg *admin.Config
	if fc.HTTP != nil {
		httpCfg = &admin.Config{
			Addr:          fc.HTTP.Addr,
			StaticDirs:    fc.HTTP.StaticDirs,
			LegacyAdmin:   fc.OldAdmin,
			NewAdmin:      fc.Admin,
			API:           fc.API != nil,
			AdminInterval: cfg.AdminInterval(),
		}
	}

	return cfg, httpCfg, nil
}

// applyEnvOverrides sets Config fields from HEARTHD_* environment variables
// using the field's env tag, converting the string value to the field type.
func applyEnvOverrides(cfg *Config) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag, ok := rt.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		name := envPrefix + "_" + strings.ToUpper(tag)
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		converted, err := cast.FromType(raw, rt.Field(i).Type)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigEnvOverride, name, err)
		}
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}
		field.Set(reflect.ValueOf(converted))
	}
	return nil
}
