package engine

import (
	"context"
	"sort"

	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/state"
)

// InitializeHost queues platform discovery for one host. When the cache
// holds fresh persisted data it is served immediately as initial values.
// Returns the invocation id of the probe.
func (d *Dispatcher) InitializeHost(hostID string) (uint64, error) {
	if _, ok := d.hostConfig(hostID); !ok {
		return 0, errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}

	if err := d.CachedRefresh(context.Background(), hostID, ""); err != nil {
		d.log.Debug("serving cached data for %s failed: %v", hostID, err)
	}

	// Single-flight: a concurrent call while a probe runs is a no-op.
	if !d.cache.MarkInitializing(hostID) {
		return 0, nil
	}

	// A re-initialized host gets a fresh chance even if it was drained.
	d.mu.Lock()
	if worker, ok := d.workers[hostID]; ok {
		worker.setUnreachable(false)
	}
	d.mu.Unlock()

	inv := invocation{
		id:     d.newInvocationID(),
		hostID: hostID,
		kind:   kindInit,
	}
	if err := d.submit(inv); err != nil {
		d.cache.ClearInitializing(hostID)
		return 0, err
	}
	return inv.id, nil
}

// ForceInitializeHosts re-probes every configured host, bypassing cached
// initial values.
func (d *Dispatcher) ForceInitializeHosts() error {
	d.mu.Lock()
	hostIDs := make([]string, 0, len(d.effective))
	for hostID := range d.effective {
		hostIDs = append(hostIDs, hostID)
	}
	for _, worker := range d.workers {
		worker.setUnreachable(false)
	}
	d.mu.Unlock()
	sort.Strings(hostIDs)

	for _, hostID := range hostIDs {
		if !d.cache.MarkInitializing(hostID) {
			continue
		}
		inv := invocation{
			id:     d.newInvocationID(),
			hostID: hostID,
			kind:   kindInit,
		}
		if err := d.submit(inv); err != nil {
			d.cache.ClearInitializing(hostID)
			return err
		}
	}
	return nil
}

// Execute queues one module invocation on a host. Commands requiring
// confirmation are parked and announced via VerificationRequested; they run
// only after ExecuteConfirmed. Returns the invocation id, or 0 on error.
func (d *Dispatcher) Execute(hostID, moduleID string, params []string) (uint64, error) {
	eff, ok := d.hostConfig(hostID)
	if !ok {
		return 0, errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}
	module, ok := d.modules.Get(moduleID)
	if !ok {
		return 0, errors.New(errors.ErrConfig, "Unknown module \""+moduleID+"\"", "")
	}

	var settings map[string]string
	switch module.Kind {
	case modules.KindMonitor:
		mc, enabled := eff.Monitors[moduleID]
		if !enabled {
			return 0, errors.New(errors.ErrConfig,
				"Monitor \""+moduleID+"\" is not enabled for \""+hostID+"\"",
				"Enable it in the host or group configuration")
		}
		settings = mc.Settings
	case modules.KindCommand:
		cc, enabled := eff.Commands[moduleID]
		if !enabled {
			return 0, errors.New(errors.ErrConfig,
				"Command \""+moduleID+"\" is not enabled for \""+hostID+"\"",
				"Enable it in the host or group configuration")
		}
		settings = cc.Settings
		if module.RequiresInput() && len(params) < requiredInputs(module) {
			d.bus.Publish(events.InputRequested{
				HostID:   hostID,
				ModuleID: moduleID,
				Specs:    module.InputSpecs,
				Params:   params,
			})
			return 0, nil
		}
		if err := module.ValidateParams(params); err != nil {
			return 0, err
		}
	}

	if snap, ok := d.cache.Snapshot(hostID); ok && snap.Facts.Known() {
		if !module.AppliesTo(snap.Facts) {
			return 0, errors.New(errors.ErrConfig,
				"Module \""+moduleID+"\" does not apply to \""+hostID+"\"", "")
		}
	}

	inv := invocation{
		id:       d.newInvocationID(),
		hostID:   hostID,
		module:   module,
		settings: settings,
		params:   params,
	}
	if module.Kind == modules.KindMonitor {
		inv.kind = kindMonitor
	} else {
		inv.kind = kindCommand
	}

	if module.RequiresConfirmation {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return 0, errors.New(errors.ErrExecution, "Engine is stopped", "")
		}
		d.pending[inv.id] = inv
		d.mu.Unlock()

		d.bus.Publish(events.VerificationRequested{
			InvocationID: inv.id,
			HostID:       hostID,
			ModuleID:     moduleID,
			Text:         module.ConfirmationText,
		})
		return inv.id, nil
	}

	if err := d.submit(inv); err != nil {
		return 0, err
	}
	return inv.id, nil
}

// requiredInputs is the number of leading params a command cannot run
// without, counting up to the last input field that has no default.
func requiredInputs(m modules.Module) int {
	required := 0
	for i, spec := range m.InputSpecs {
		if spec.DefaultValue == "" {
			required = i + 1
		}
	}
	return required
}

// ExecuteConfirmed releases a parked invocation for execution.
func (d *Dispatcher) ExecuteConfirmed(invocationID uint64) error {
	d.mu.Lock()
	inv, ok := d.pending[invocationID]
	if ok {
		delete(d.pending, invocationID)
	}
	d.mu.Unlock()

	if !ok {
		return errors.New(errors.ErrExecution,
			"No invocation awaiting confirmation with that id",
			"The invocation may have been cancelled or already confirmed")
	}
	return d.submit(inv)
}

// RefreshMonitorsOfCategory queues every enabled, applicable monitor of the
// category on a host and returns their invocation ids. An empty category
// refreshes all monitors.
func (d *Dispatcher) RefreshMonitorsOfCategory(hostID, category string) ([]uint64, error) {
	invs, err := d.monitorInvocations(hostID, category)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(invs))
	for _, inv := range invs {
		if err := d.submit(inv); err != nil {
			return ids, err
		}
		ids = append(ids, inv.id)
	}
	return ids, nil
}

// monitorInvocations builds (but does not queue) one invocation per
// enabled, applicable monitor of the category, in module id order.
func (d *Dispatcher) monitorInvocations(hostID, category string) ([]invocation, error) {
	eff, ok := d.hostConfig(hostID)
	if !ok {
		return nil, errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}

	snap, _ := d.cache.Snapshot(hostID)

	ids := make([]string, 0, len(eff.Monitors))
	for monitorID := range eff.Monitors {
		ids = append(ids, monitorID)
	}
	sort.Strings(ids)

	var invs []invocation
	for _, monitorID := range ids {
		module, known := d.modules.Get(monitorID)
		if !known {
			d.log.Warn("host %s enables unknown monitor %q", hostID, monitorID)
			continue
		}
		if category != "" && module.Category != category {
			continue
		}
		if snap.Facts.Known() && !module.AppliesTo(snap.Facts) {
			continue
		}
		invs = append(invs, invocation{
			id:       d.newInvocationID(),
			hostID:   hostID,
			kind:     kindMonitor,
			module:   module,
			settings: eff.Monitors[monitorID].Settings,
		})
	}
	return invs, nil
}

// CachedRefresh republishes persisted monitor data for a host as initial
// values, without touching the network. An empty category means every
// monitor; entries older than the cache TTL are skipped.
func (d *Dispatcher) CachedRefresh(ctx context.Context, hostID, category string) error {
	if _, ok := d.hostConfig(hostID); !ok {
		return errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}

	cacheCfg := d.store.Current().Main.Cache
	if !cacheCfg.Enabled {
		return nil
	}

	found, err := d.cache.LoadPersisted(ctx, hostID, cacheCfg.TTL)
	if err != nil {
		return err
	}

	snap, ok := d.cache.Snapshot(hostID)
	if !ok {
		return nil
	}
	if found && snap.Facts.Known() {
		d.bus.Publish(events.HostInitialized{
			HostID:    hostID,
			Facts:     snap.Facts,
			FromCache: true,
		})
	}

	ids := make([]string, 0, len(snap.Monitors))
	for monitorID := range snap.Monitors {
		if category != "" {
			module, ok := d.modules.Get(monitorID)
			if !ok || module.Category != category {
				continue
			}
		}
		ids = append(ids, monitorID)
	}
	sort.Strings(ids)

	for _, monitorID := range ids {
		d.bus.Publish(events.MonitorData{
			HostID:    hostID,
			MonitorID: monitorID,
			Point:     snap.Monitors[monitorID],
			FromCache: true,
		})
	}
	return nil
}

// GetCommands lists the enabled commands that apply to a host, optionally
// filtered by category, sorted by id.
func (d *Dispatcher) GetCommands(hostID, category string) ([]modules.Module, error) {
	eff, ok := d.hostConfig(hostID)
	if !ok {
		return nil, errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}
	snap, _ := d.cache.Snapshot(hostID)

	var result []modules.Module
	for commandID := range eff.Commands {
		module, known := d.modules.Get(commandID)
		if !known || module.Kind != modules.KindCommand {
			continue
		}
		if category != "" && module.Category != category {
			continue
		}
		if snap.Facts.Known() && !module.AppliesTo(snap.Facts) {
			continue
		}
		result = append(result, module)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetChildCommands lists the enabled commands attached to a multivalue
// monitor's rows (Display.ParentID), sorted by id. A level below 1 matches
// any nesting depth; otherwise only commands attached at that depth are
// returned, with an unset module level counting as depth 1.
func (d *Dispatcher) GetChildCommands(hostID, category, monitorID string, level int) ([]modules.Module, error) {
	all, err := d.GetCommands(hostID, category)
	if err != nil {
		return nil, err
	}
	var result []modules.Module
	for _, module := range all {
		if module.Display.ParentID != monitorID {
			continue
		}
		moduleLevel := module.Display.MultivalueLevel
		if moduleLevel < 1 {
			moduleLevel = 1
		}
		if level >= 1 && moduleLevel != level {
			continue
		}
		result = append(result, module)
	}
	return result, nil
}

// Cancel suppresses the delivery of an invocation's result. Work already in
// flight is not interrupted; a parked confirmation is discarded.
func (d *Dispatcher) Cancel(invocationID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, parked := d.pending[invocationID]; parked {
		delete(d.pending, invocationID)
		return
	}
	// Only outstanding invocations take a cancellation marker; ids that
	// were never issued or have already delivered are ignored.
	if _, active := d.live[invocationID]; active {
		d.cancelled[invocationID] = struct{}{}
	}
}

// Reconfigure reloads the configuration from disk and reconciles hosts,
// workers and cached state against the new set. On failure the previous
// configuration stays active.
func (d *Dispatcher) Reconfigure() error {
	if err := d.store.Reload(); err != nil {
		return err
	}
	cfg := d.store.Current()
	if err := d.applyConfiguration(cfg); err != nil {
		return err
	}
	d.bus.Publish(events.ConfigurationReloaded{Hosts: len(cfg.Hosts)})
	return nil
}

// Hosts returns a snapshot of every known host's state, sorted by id.
func (d *Dispatcher) Hosts() []state.HostState {
	ids := d.cache.Hosts()
	result := make([]state.HostState, 0, len(ids))
	for _, hostID := range ids {
		if snap, ok := d.cache.Snapshot(hostID); ok {
			result = append(result, snap)
		}
	}
	return result
}

// Stop shuts the engine down: no new invocations are accepted, queued and
// in-flight work finishes, then all sessions close.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, worker := range d.workers {
		close(worker.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.connectors.CloseAll()
}
