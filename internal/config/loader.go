// Package config loads and resolves the engine's configuration set:
// config.yaml for engine settings plus hosts.yaml, groups.yaml and
// templates.yaml for the managed fleet. Resolution layers templates under
// groups under per-host overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/GitHangar/lightkeeper/internal/errors"
)

const (
	MainFileName      = "config.yaml"
	HostsFileName     = "hosts.yaml"
	GroupsFileName    = "groups.yaml"
	TemplatesFileName = "templates.yaml"

	// DefaultConfigDir under the user's home directory.
	DefaultConfigDir = ".config/lightkeeper"
)

// DefaultMain returns the main settings applied when config.yaml omits them.
func DefaultMain() Main {
	return Main{
		Version: CurrentConfigVersion,
		Preferences: Preferences{
			RefreshHostsOnStart:  true,
			MaxConcurrentPerHost: 2,
			ConnectionTimeout:    15 * time.Second,
			ExecutionTimeout:     60 * time.Second,
			SudoPrefix:           "sudo -n",
			GroupPrecedence:      "last",
		},
		Cache: Cache{
			Enabled: true,
			TTL:     12 * time.Hour,
		},
	}
}

// Dir locates the configuration directory: the explicit path when given,
// otherwise ~/.config/lightkeeper.
func Dir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine home directory",
			"Pass the config directory explicitly with --config-dir")
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// Load reads the whole configuration set from dir and validates the
// cross-references between hosts, groups and templates.
func Load(dir string) (*Configuration, error) {
	main, err := loadMain(filepath.Join(dir, MainFileName))
	if err != nil {
		return nil, err
	}

	cfg := &Configuration{
		Main:      main,
		Hosts:     make(map[string]Host),
		Groups:    make(map[string]Group),
		Templates: make(map[string]Template),
		Dir:       dir,
	}

	var hostsFile struct {
		Hosts map[string]Host `yaml:"hosts"`
	}
	if err := loadYAML(filepath.Join(dir, HostsFileName), &hostsFile); err != nil {
		return nil, err
	}
	if hostsFile.Hosts != nil {
		cfg.Hosts = hostsFile.Hosts
	}

	var groupsFile struct {
		Groups map[string]Group `yaml:"groups"`
	}
	if err := loadOptionalYAML(filepath.Join(dir, GroupsFileName), &groupsFile); err != nil {
		return nil, err
	}
	if groupsFile.Groups != nil {
		cfg.Groups = groupsFile.Groups
	}

	var templatesFile struct {
		Templates map[string]Template `yaml:"templates"`
	}
	if err := loadOptionalYAML(filepath.Join(dir, TemplatesFileName), &templatesFile); err != nil {
		return nil, err
	}
	if templatesFile.Templates != nil {
		cfg.Templates = templatesFile.Templates
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadMain(path string) (Main, error) {
	main := DefaultMain()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("version", main.Version)
	v.SetDefault("preferences.refresh_hosts_on_start", main.Preferences.RefreshHostsOnStart)
	v.SetDefault("preferences.max_concurrent_per_host", main.Preferences.MaxConcurrentPerHost)
	v.SetDefault("preferences.connection_timeout", main.Preferences.ConnectionTimeout)
	v.SetDefault("preferences.execution_timeout", main.Preferences.ExecutionTimeout)
	v.SetDefault("preferences.sudo_prefix", main.Preferences.SudoPrefix)
	v.SetDefault("preferences.group_precedence", main.Preferences.GroupPrecedence)
	v.SetDefault("cache.enabled", main.Cache.Enabled)
	v.SetDefault("cache.ttl", main.Cache.TTL)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			// Missing config.yaml means defaults throughout.
			return main, nil
		}
		return Main{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read "+path,
			"Check the file is valid YAML")
	}

	if err := v.Unmarshal(&main); err != nil {
		return Main{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to parse "+path,
			"Check the settings match the expected types")
	}

	if main.Version > CurrentConfigVersion {
		return Main{}, errors.New(errors.ErrConfig,
			"Config file version is newer than this build supports",
			"Upgrade lightkeeper or lower the version field")
	}
	if main.Preferences.MaxConcurrentPerHost < 1 {
		main.Preferences.MaxConcurrentPerHost = 1
	}
	return main, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found: "+path,
				"Run 'lightkeeper init' to create the initial configuration")
		}
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot read "+path, "Check file permissions")
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to parse "+path, "Check the file is valid YAML")
	}
	return nil
}

func loadOptionalYAML(path string, out any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return loadYAML(path, out)
}

// validate checks cross-references between the configuration files.
func (c *Configuration) validate() error {
	for hostID, host := range c.Hosts {
		if hostID == "" {
			return errors.New(errors.ErrConfig, "Host name must not be empty", "")
		}
		for _, groupID := range host.Groups {
			if _, ok := c.Groups[groupID]; !ok {
				return errors.New(errors.ErrConfig,
					"Host \""+hostID+"\" references unknown group \""+groupID+"\"",
					"Define the group in "+GroupsFileName+" or remove the reference")
			}
		}
	}
	for groupID, group := range c.Groups {
		for _, templateID := range group.Templates {
			if _, ok := c.Templates[templateID]; !ok {
				return errors.New(errors.ErrConfig,
					"Group \""+groupID+"\" references unknown template \""+templateID+"\"",
					"Define the template in "+TemplatesFileName+" or remove the reference")
			}
		}
	}
	return nil
}

// WriteInitial creates the config directory with a commented starter set.
// Existing files are left untouched.
func WriteInitial(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot create config directory "+dir, "Check directory permissions")
	}

	files := map[string]string{
		MainFileName:      initialMainYAML,
		HostsFileName:     initialHostsYAML,
		GroupsFileName:    initialGroupsYAML,
		TemplatesFileName: initialTemplatesYAML,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot write "+path, "Check directory permissions")
		}
	}
	return nil
}

// SaveHosts rewrites hosts.yaml from the given host set.
func SaveHosts(dir string, hosts map[string]Host) error {
	data, err := yaml.Marshal(struct {
		Hosts map[string]Host `yaml:"hosts"`
	}{Hosts: hosts})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot serialize hosts", "")
	}
	path := filepath.Join(dir, HostsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot write "+path, "Check directory permissions")
	}
	return nil
}

const initialMainYAML = `version: 1
preferences:
  refresh_hosts_on_start: true
  max_concurrent_per_host: 2
  connection_timeout: 15s
  execution_timeout: 60s
  sudo_prefix: sudo -n
  # When a host lists several groups, the last listed wins conflicting
  # keys. Set to "first" to reverse.
  group_precedence: last
cache:
  enabled: true
  ttl: 12h
`

const initialHostsYAML = `hosts:
  example-host:
    address: 192.0.2.10
    port: 22
    user: admin
    groups:
      - linux-servers
`

const initialGroupsYAML = `groups:
  linux-servers:
    templates:
      - base-monitoring
    commands:
      reboot: {}
      shutdown: {}
      logs: {}
`

const initialTemplatesYAML = `templates:
  base-monitoring:
    monitors:
      uptime: {}
      load: {}
      memory: {}
      filesystem: {}
`
