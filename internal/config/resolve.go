package config

import (
	"github.com/GitHangar/lightkeeper/internal/errors"
)

// Resolve folds a host's configuration layers into one effective view.
// Layer order, earliest to latest: each group's templates in listed order,
// that group's own entries, then the next group, and finally the host's own
// overrides. A later layer wins wherever both set the same key; module
// settings merge per setting key. Disabled modules are removed at the end.
// The group_precedence preference flips the group order so the first listed
// group wins instead.
func (c *Configuration) Resolve(hostID string) (Effective, error) {
	host, ok := c.Hosts[hostID]
	if !ok {
		return Effective{}, errors.New(errors.ErrConfig,
			"Unknown host \""+hostID+"\"",
			"Add the host to "+HostsFileName)
	}

	groups := host.Groups
	if c.Main.Preferences.GroupPrecedence == "first" {
		groups = make([]string, len(host.Groups))
		for i, groupID := range host.Groups {
			groups[len(groups)-1-i] = groupID
		}
	}

	eff := Effective{
		ID:         hostID,
		Address:    host.Address,
		FQDN:       host.FQDN,
		Port:       22,
		User:       host.User,
		Monitors:   make(map[string]MonitorConfig),
		Commands:   make(map[string]CommandConfig),
		Connectors: make(map[string]ConnectorConfig),
	}
	if eff.Address == "" {
		eff.Address = hostID
	}

	for _, groupID := range groups {
		group := c.Groups[groupID]
		for _, templateID := range group.Templates {
			template := c.Templates[templateID]
			mergeMonitors(eff.Monitors, template.Monitors)
			mergeCommands(eff.Commands, template.Commands)
			mergeConnectors(eff.Connectors, template.Connectors)
		}

		if group.Port != 0 {
			eff.Port = group.Port
		}
		if group.User != "" {
			eff.User = group.User
		}
		if group.Settings.UseSudo {
			eff.UseSudo = true
		}
		mergeMonitors(eff.Monitors, group.Monitors)
		mergeCommands(eff.Commands, group.Commands)
		mergeConnectors(eff.Connectors, group.Connectors)
	}

	// Host overrides always win.
	if host.Port != 0 {
		eff.Port = host.Port
	}
	if host.Settings.UseSudo {
		eff.UseSudo = true
	}
	mergeMonitors(eff.Monitors, host.Monitors)
	mergeCommands(eff.Commands, host.Commands)
	mergeConnectors(eff.Connectors, host.Connectors)

	for id, mc := range eff.Monitors {
		if !mc.MonitorEnabled() {
			delete(eff.Monitors, id)
		}
	}
	for id, cc := range eff.Commands {
		if !cc.CommandEnabled() {
			delete(eff.Commands, id)
		}
	}
	return eff, nil
}

// ResolveAll resolves every configured host. Hosts that fail to resolve
// abort the whole pass so a reload never applies a half-valid set.
func (c *Configuration) ResolveAll() (map[string]Effective, error) {
	resolved := make(map[string]Effective, len(c.Hosts))
	for hostID := range c.Hosts {
		eff, err := c.Resolve(hostID)
		if err != nil {
			return nil, err
		}
		resolved[hostID] = eff
	}
	return resolved, nil
}

func mergeMonitors(dst, src map[string]MonitorConfig) {
	for id, layer := range src {
		base, exists := dst[id]
		if !exists {
			base = MonitorConfig{}
		}
		if layer.Enabled != nil {
			base.Enabled = layer.Enabled
		}
		if layer.IsCritical {
			base.IsCritical = true
		}
		base.Settings = mergeSettings(base.Settings, layer.Settings)
		dst[id] = base
	}
}

func mergeCommands(dst, src map[string]CommandConfig) {
	for id, layer := range src {
		base, exists := dst[id]
		if !exists {
			base = CommandConfig{}
		}
		if layer.Enabled != nil {
			base.Enabled = layer.Enabled
		}
		base.Settings = mergeSettings(base.Settings, layer.Settings)
		dst[id] = base
	}
}

func mergeConnectors(dst, src map[string]ConnectorConfig) {
	for id, layer := range src {
		base := dst[id]
		base.Settings = mergeSettings(base.Settings, layer.Settings)
		dst[id] = base
	}
}

// mergeSettings overlays layer onto base key by key, copying so no layer's
// map is shared with the result.
func mergeSettings(base, layer map[string]string) map[string]string {
	if len(layer) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(layer))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range layer {
		merged[k] = v
	}
	return merged
}
