package hearthd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{DisableApps: true}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, float64(1), cfg.Timewarp)
	assert.Equal(t, 10, cfg.PinThreads)
	assert.Equal(t, 10, cfg.ThreadpoolWorkers)
	assert.Equal(t, time.Second, cfg.UtilityInterval())
	assert.Equal(t, time.Second, cfg.AdminInterval())
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 50, cfg.QsizeWarningThreshold)
}

func TestValidateRejectsNegativeTimewarp(t *testing.T) {
	cfg := &Config{DisableApps: true, Timewarp: -2}
	assert.ErrorIs(t, cfg.Validate(), ErrConfigValidation)
}

func TestValidateRequiresConfigDirWithApps(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.Validate(), ErrConfigValidation)
}

func TestValidateParsesScheduleTimes(t *testing.T) {
	cfg := &Config{
		DisableApps: true,
		StartTime:   "2024-01-01 08:00:00",
		EndTime:     "2024-01-02 08:00:00",
	}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.StartAt())
	require.NotNil(t, cfg.EndAt())
	assert.True(t, cfg.EndAt().After(*cfg.StartAt()))
}

func TestValidateRejectsBadTime(t *testing.T) {
	cfg := &Config{DisableApps: true, StartTime: "yesterday"}
	assert.ErrorIs(t, cfg.Validate(), ErrConfigTimeParse)
}

func TestValidateRejectsEndBeforeStart(t *testing.T) {
	cfg := &Config{
		DisableApps: true,
		StartTime:   "2024-01-02 08:00:00",
		EndTime:     "2024-01-01 08:00:00",
	}
	assert.ErrorIs(t, cfg.Validate(), ErrConfigValidation)
}

func TestAppDirDefaultsUnderConfigDir(t *testing.T) {
	cfg := &Config{ConfigDir: "/etc/hearthd"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/etc/hearthd/apps", cfg.AppDir)
}

func TestPinnedWorkersPrefersTotalThreads(t *testing.T) {
	cfg := &Config{DisableApps: true, TotalThreads: 4, PinThreads: 8}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.PinnedWorkers())

	cfg = &Config{DisableApps: true, PinThreads: 8}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.PinnedWorkers())
}

func TestPersistentNamespaces(t *testing.T) {
	cfg := &Config{Namespaces: map[string]NamespaceConfig{
		"default": {Persistent: true},
		"volatile": {},
	}}
	assert.Equal(t, []string{"default"}, cfg.PersistentNamespaces())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := writeConfig(t, "hearthd.yaml", `
hearthd:
  disable_apps: true
  timewarp: 2
  loglevel: DEBUG
http:
  addr: ":5050"
admin:
  title: Test
`)
	cfg, httpCfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, float64(2), cfg.Timewarp)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, filepath.Dir(path), cfg.ConfigDir)

	require.NotNil(t, httpCfg)
	assert.Equal(t, ":5050", httpCfg.Addr)
	assert.True(t, httpCfg.HasConsumers())
	assert.True(t, httpCfg.HasAdminUI())
}

func TestLoadConfigFileTOML(t *testing.T) {
	path := writeConfig(t, "hearthd.toml", `
[hearthd]
disable_apps = true
timewarp = 3.0

[http]
addr = ":6060"

[api]
`)
	cfg, httpCfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, float64(3), cfg.Timewarp)

	require.NotNil(t, httpCfg)
	assert.True(t, httpCfg.API)
	assert.False(t, httpCfg.HasAdminUI())
}

func TestLoadConfigFileWithoutHTTPSection(t *testing.T) {
	path := writeConfig(t, "hearthd.yaml", "hearthd:\n  disable_apps: true\n")
	_, httpCfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Nil(t, httpCfg)
}

func TestLoadConfigFileMissingSection(t *testing.T) {
	path := writeConfig(t, "hearthd.yaml", "other: {}\n")
	_, _, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrConfigSectionGone)
}

func TestLoadConfigFileUnknownExtension(t *testing.T) {
	path := writeConfig(t, "hearthd.ini", "hearthd\n")
	_, _, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrConfigFormatUnknown)
}

func TestLoadConfigFileMissingFile(t *testing.T) {
	_, _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileRead)
}

func TestLoadConfigFileEnvOverride(t *testing.T) {
	t.Setenv("HEARTHD_TIMEWARP", "5")
	t.Setenv("HEARTHD_LOGLEVEL", "WARNING")

	path := writeConfig(t, "hearthd.yaml", "hearthd:\n  disable_apps: true\n  timewarp: 2\n")
	cfg, _, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, float64(5), cfg.Timewarp)
	assert.Equal(t, "WARNING", cfg.LogLevel)
}

func TestLoadConfigFileBadEnvOverride(t *testing.T) {
	t.Setenv("HEARTHD_TIMEWARP", "fast")

	path := writeConfig(t, "hearthd.yaml", "hearthd:\n  disable_apps: true\n")
	_, _, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrConfigEnvOverride)
}
