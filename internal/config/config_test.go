package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/logger"
)

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadDefaultsWhenMainMissing(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  web:\n    address: 10.0.0.1\n",
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Main.Preferences.MaxConcurrentPerHost)
	assert.Equal(t, 15*time.Second, cfg.Main.Preferences.ConnectionTimeout)
	assert.Equal(t, 60*time.Second, cfg.Main.Preferences.ExecutionTimeout)
	assert.True(t, cfg.Main.Cache.Enabled)
	assert.Contains(t, cfg.Hosts, "web")
}

func TestLoadMainOverrides(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		MainFileName: `version: 1
preferences:
  max_concurrent_per_host: 4
  connection_timeout: 30s
cache:
  enabled: false
`,
		HostsFileName: "hosts: {}\n",
	})

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Main.Preferences.MaxConcurrentPerHost)
	assert.Equal(t, 30*time.Second, cfg.Main.Preferences.ConnectionTimeout)
	assert.False(t, cfg.Main.Cache.Enabled)
}

func TestLoadRejectsMissingHostsFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestLoadRejectsUnknownReferences(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  web:\n    groups: [nope]\n",
	})

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown group")

	dir = writeConfigDir(t, map[string]string{
		HostsFileName:  "hosts: {}\n",
		GroupsFileName: "groups:\n  g1:\n    templates: [missing]\n",
	})

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}

func TestResolveLayering(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: `hosts:
  web:
    address: 10.0.0.1
    user: admin
    groups: [g1, g2]
    port: 3
    monitors:
      load:
        settings:
          warning_threshold: "3"
`,
		GroupsFileName: `groups:
  g1:
    templates: [base]
    port: 1
    monitors:
      load:
        settings:
          warning_threshold: "5"
          error_threshold: "8"
  g2:
    port: 2
    monitors:
      load:
        settings:
          warning_threshold: "10"
`,
		TemplatesFileName: `templates:
  base:
    monitors:
      uptime: {}
      load:
        settings:
          warning_threshold: "1"
`,
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("web")
	require.NoError(t, err)

	// Host override beats both groups.
	assert.Equal(t, uint16(3), eff.Port)
	assert.Equal(t, "admin", eff.User)
	assert.Equal(t, "10.0.0.1", eff.Address)

	// Settings merge per key with the latest layer winning:
	// template 1 -> g1 5 -> g2 10 -> host 3.
	load := eff.Monitors["load"]
	assert.Equal(t, "3", load.Settings["warning_threshold"])
	// g1's error_threshold survives because no later layer touches it.
	assert.Equal(t, "8", load.Settings["error_threshold"])

	// Template-only monitor survives the fold.
	assert.Contains(t, eff.Monitors, "uptime")
}

func TestResolveLaterGroupWins(t *testing.T) {
	groups := `groups:
  g1:
    monitors:
      memory:
        settings:
          timeout: "5"
  g2:
    monitors:
      memory:
        settings:
          timeout: "10"
`
	dir := writeConfigDir(t, map[string]string{
		HostsFileName:  "hosts:\n  web:\n    groups: [g1, g2]\n",
		GroupsFileName: groups,
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "10", eff.Monitors["memory"].Settings["timeout"])

	// Reversing the group order reverses the winner.
	dir = writeConfigDir(t, map[string]string{
		HostsFileName:  "hosts:\n  web:\n    groups: [g2, g1]\n",
		GroupsFileName: groups,
	})
	cfg, err = Load(dir)
	require.NoError(t, err)

	eff, err = cfg.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "5", eff.Monitors["memory"].Settings["timeout"])
}

func TestResolveFirstGroupPrecedence(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		MainFileName:   "preferences:\n  group_precedence: first\n",
		HostsFileName:  "hosts:\n  web:\n    groups: [g1, g2]\n",
		GroupsFileName: `groups:
  g1:
    monitors:
      memory:
        settings:
          timeout: "5"
  g2:
    monitors:
      memory:
        settings:
          timeout: "10"
`,
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "5", eff.Monitors["memory"].Settings["timeout"])
}

func TestResolveFiltersDisabledModules(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: `hosts:
  web:
    groups: [g1]
    monitors:
      load:
        enabled: false
`,
		GroupsFileName: `groups:
  g1:
    monitors:
      load: {}
      uptime: {}
    commands:
      reboot:
        enabled: false
`,
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("web")
	require.NoError(t, err)
	assert.NotContains(t, eff.Monitors, "load", "host disables a group monitor")
	assert.Contains(t, eff.Monitors, "uptime")
	assert.NotContains(t, eff.Commands, "reboot")
}

func TestResolveDefaults(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  bare: {}\n",
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", eff.Address, "address defaults to the host name")
	assert.Equal(t, uint16(22), eff.Port)

	_, err = cfg.Resolve("missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestResolveUseSudoSticks(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  web:\n    groups: [g1]\n",
		GroupsFileName: `groups:
  g1:
    settings:
      use_sudo: true
`,
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	eff, err := cfg.Resolve("web")
	require.NoError(t, err)
	assert.True(t, eff.UseSudo)
}

func TestStoreReload(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  web: {}\n",
	})

	store, err := NewStore(dir, logger.Noop())
	require.NoError(t, err)
	assert.Len(t, store.Current().Hosts, 1)

	var notified *Configuration
	store.Subscribe(func(cfg *Configuration) { notified = cfg })

	require.NoError(t, os.WriteFile(filepath.Join(dir, HostsFileName),
		[]byte("hosts:\n  web: {}\n  db: {}\n"), 0o644))
	require.NoError(t, store.Reload())

	assert.Len(t, store.Current().Hosts, 2)
	require.NotNil(t, notified)
	assert.Contains(t, notified.Hosts, "db")
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts:\n  web: {}\n",
	})

	store, err := NewStore(dir, logger.Noop())
	require.NoError(t, err)

	notified := false
	store.Subscribe(func(*Configuration) { notified = true })

	require.NoError(t, os.WriteFile(filepath.Join(dir, HostsFileName),
		[]byte("hosts:\n  web:\n    groups: [nope]\n"), 0o644))

	require.Error(t, store.Reload())
	assert.Len(t, store.Current().Hosts, 1, "previous set stays active")
	assert.Contains(t, store.Current().Hosts, "web")
	assert.False(t, notified)
}

func TestWriteInitial(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lightkeeper")
	require.NoError(t, WriteInitial(dir))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Contains(t, cfg.Hosts, "example-host")
	assert.Contains(t, cfg.Groups, "linux-servers")
	assert.Contains(t, cfg.Templates, "base-monitoring")

	eff, err := cfg.Resolve("example-host")
	require.NoError(t, err)
	assert.Contains(t, eff.Monitors, "uptime")
	assert.Contains(t, eff.Commands, "reboot")

	// A second run never clobbers existing files.
	require.NoError(t, os.WriteFile(filepath.Join(dir, HostsFileName),
		[]byte("hosts:\n  custom: {}\n"), 0o644))
	require.NoError(t, WriteInitial(dir))

	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Contains(t, cfg.Hosts, "custom")
	assert.NotContains(t, cfg.Hosts, "example-host")
}

func TestSaveHostsRoundTrip(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		HostsFileName: "hosts: {}\n",
	})

	hosts := map[string]Host{
		"db": {Address: "10.0.0.5", Port: 2222, User: "ops"},
	}
	require.NoError(t, SaveHosts(dir, hosts))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Contains(t, cfg.Hosts, "db")
	assert.Equal(t, uint16(2222), cfg.Hosts["db"].Port)
}
