package config

import "time"

// CurrentConfigVersion is the schema version for the main config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Main holds the settings from config.yaml.
type Main struct {
	Version     int         `yaml:"version" mapstructure:"version"`
	Preferences Preferences `yaml:"preferences" mapstructure:"preferences"`
	Cache       Cache       `yaml:"cache" mapstructure:"cache"`
}

// Preferences are engine-wide tunables.
type Preferences struct {
	// RefreshHostsOnStart triggers a full monitor refresh after host init.
	RefreshHostsOnStart bool `yaml:"refresh_hosts_on_start" mapstructure:"refresh_hosts_on_start"`

	// MaxConcurrentPerHost caps in-flight invocations per host.
	MaxConcurrentPerHost int `yaml:"max_concurrent_per_host" mapstructure:"max_concurrent_per_host"`

	// ConnectionTimeout bounds session establishment per attempt.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`

	// ExecutionTimeout bounds each remote command execution. Zero
	// disables the limit.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" mapstructure:"execution_timeout"`

	// SudoPrefix is prepended to commands that request sudo.
	SudoPrefix string `yaml:"sudo_prefix" mapstructure:"sudo_prefix"`

	// GroupPrecedence decides which group wins when a host lists several
	// groups that set the same key: "last" (default) or "first".
	GroupPrecedence string `yaml:"group_precedence" mapstructure:"group_precedence"`
}

// Cache controls persisted monitor state.
type Cache struct {
	// Enabled toggles serving cached data points before fresh results arrive.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the cache database file. Empty means <config dir>/cache.db.
	Path string `yaml:"path" mapstructure:"path"`

	// TTL is how old a cached entry may be and still be served as initial data.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// MonitorConfig enables and tunes one monitor module on a host or group.
type MonitorConfig struct {
	// Enabled defaults to true when the monitor is listed at all.
	Enabled *bool `yaml:"enabled,omitempty"`

	// IsCritical escalates Error results from this monitor to Critical.
	IsCritical bool `yaml:"is_critical,omitempty"`

	// Settings are free-form key/values passed to the module.
	Settings map[string]string `yaml:"settings,omitempty"`
}

// CommandConfig enables and tunes one command module.
type CommandConfig struct {
	Enabled  *bool             `yaml:"enabled,omitempty"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// ConnectorConfig tunes one connector type (e.g. "ssh").
type ConnectorConfig struct {
	Settings map[string]string `yaml:"settings,omitempty"`
}

// HostFlags are per-host behavior switches.
type HostFlags struct {
	UseSudo bool `yaml:"use_sudo,omitempty"`
}

// Host defines one managed host in hosts.yaml. Module and connector maps
// override whatever the host's groups provide.
type Host struct {
	Address string `yaml:"address,omitempty"`
	FQDN    string `yaml:"fqdn,omitempty"`
	Port    uint16 `yaml:"port,omitempty"`
	User    string `yaml:"user,omitempty"`

	// Groups are applied in listed order: a later group overrides an
	// earlier one wherever both configure the same key.
	Groups []string `yaml:"groups,omitempty"`

	Settings   HostFlags                  `yaml:"settings,omitempty"`
	Monitors   map[string]MonitorConfig   `yaml:"monitors,omitempty"`
	Commands   map[string]CommandConfig   `yaml:"commands,omitempty"`
	Connectors map[string]ConnectorConfig `yaml:"connectors,omitempty"`
}

// Group bundles module configuration shared by multiple hosts (groups.yaml).
type Group struct {
	// Templates are folded in first, in listed order.
	Templates []string `yaml:"templates,omitempty"`

	Port uint16 `yaml:"port,omitempty"`
	User string `yaml:"user,omitempty"`

	Settings   HostFlags                  `yaml:"settings,omitempty"`
	Monitors   map[string]MonitorConfig   `yaml:"monitors,omitempty"`
	Commands   map[string]CommandConfig   `yaml:"commands,omitempty"`
	Connectors map[string]ConnectorConfig `yaml:"connectors,omitempty"`
}

// Template is a reusable partial group (templates.yaml).
type Template struct {
	Monitors   map[string]MonitorConfig   `yaml:"monitors,omitempty"`
	Commands   map[string]CommandConfig   `yaml:"commands,omitempty"`
	Connectors map[string]ConnectorConfig `yaml:"connectors,omitempty"`
}

// Configuration is the full parsed configuration set.
type Configuration struct {
	Main      Main
	Hosts     map[string]Host
	Groups    map[string]Group
	Templates map[string]Template

	// Dir is the directory the files were loaded from.
	Dir string
}

// Effective is the fully resolved configuration for one host after folding
// templates, groups, and host overrides. Disabled modules are filtered out.
type Effective struct {
	ID      string
	Address string
	FQDN    string
	Port    uint16
	User    string
	UseSudo bool

	Monitors   map[string]MonitorConfig
	Commands   map[string]CommandConfig
	Connectors map[string]ConnectorConfig
}

// MonitorEnabled reports whether the monitor config is active.
func (c MonitorConfig) MonitorEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CommandEnabled reports whether the command config is active.
func (c CommandConfig) CommandEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
