package engine

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GitHangar/lightkeeper/internal/connector"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// run executes one invocation end to end. Every failure surfaces as a
// delivered result; run never returns an error.
func (d *Dispatcher) run(w *hostWorker, inv invocation) {
	defer d.finish(inv.id)

	session, err := d.acquireSession(w, inv.hostID)
	if err != nil {
		d.deliverFailure(inv, err)
		return
	}

	switch inv.kind {
	case kindInit:
		d.runInit(w, inv, session)
	case kindMonitor:
		d.runMonitor(inv, session)
	case kindCommand:
		d.runCommand(inv, session)
	}
}

// acquireSession gets a live session, retrying once after a short delay on
// connection failure. A second failure marks the host unreachable so the
// rest of its queue drains with errors.
func (d *Dispatcher) acquireSession(w *hostWorker, hostID string) (connector.Session, error) {
	eff, ok := d.hostConfig(hostID)
	if !ok {
		return nil, errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
	}

	session, err := d.connectors.Session(eff)
	if err == nil {
		return session, nil
	}
	if !errors.IsCode(err, errors.ErrConnection) {
		return nil, err
	}

	d.log.Debug("session to %s failed, retrying once: %v", hostID, err)
	time.Sleep(d.retryDelay)

	session, err = d.connectors.Session(eff)
	if err == nil {
		return session, nil
	}

	w.setUnreachable(true)
	d.cache.SetUnreachable(hostID)
	d.bus.Publish(events.HostUnreachable{HostID: hostID, Reason: err.Error()})
	d.log.Warn("host %s marked unreachable: %v", hostID, err)
	return nil, err
}

// runInit probes the host's platform and records the discovered facts. The
// initialized event is held back until every monitor refresh issued here
// has delivered, so subscribers see the data before the completion signal.
func (d *Dispatcher) runInit(w *hostWorker, inv invocation, session connector.Session) {
	out, err := session.Execute(platform.DetectCommand(), d.executionTimeout())
	if err != nil {
		d.connectors.Invalidate(inv.hostID)
		d.deliverFailure(inv, err)
		return
	}

	facts := platform.ParseDetectOutput(out.Stdout)
	d.cache.SetFacts(inv.hostID, facts)
	w.setUnreachable(false)

	cancelled := d.isCancelled(inv.id)
	d.forgetCancel(inv.id)

	var refreshes []invocation
	if d.preferences().RefreshHostsOnStart {
		refreshes, err = d.monitorInvocations(inv.hostID, "")
		if err != nil {
			d.log.Warn("post-init refresh for %s failed: %v", inv.hostID, err)
			refreshes = nil
		}
	}

	if len(refreshes) == 0 {
		if !cancelled {
			d.bus.Publish(events.HostInitialized{HostID: inv.hostID, Facts: facts})
		}
		return
	}

	// Register the batch before queueing so a fast monitor cannot finish
	// without being counted.
	if !cancelled {
		d.beginInitBatch(inv.hostID, facts, refreshes)
	}
	for _, m := range refreshes {
		if err := d.submit(m); err != nil {
			d.log.Warn("post-init refresh for %s failed: %v", inv.hostID, err)
			d.finishInitMonitor(m.id)
		}
	}
}

// beginInitBatch records the monitor invocations whose completion gates a
// host's initialized event.
func (d *Dispatcher) beginInitBatch(hostID string, facts platform.Facts, invs []invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.initBatches[hostID] = &initBatch{facts: facts, remaining: len(invs)}
	for _, inv := range invs {
		d.initWait[inv.id] = hostID
	}
}

// finishInitMonitor marks one gating monitor invocation as done and fires
// the host's initialized event when it was the last. Ids outside any batch
// are ignored.
func (d *Dispatcher) finishInitMonitor(id uint64) {
	d.mu.Lock()
	hostID, ok := d.initWait[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.initWait, id)

	batch := d.initBatches[hostID]
	batch.remaining--
	done := batch.remaining == 0
	var facts platform.Facts
	if done {
		facts = batch.facts
		delete(d.initBatches, hostID)
	}
	d.mu.Unlock()

	if done {
		d.bus.Publish(events.HostInitialized{HostID: hostID, Facts: facts})
	}
}

// runMonitor executes a monitor and records its data point. Parse and
// execution failures become NoData points carrying the error text.
func (d *Dispatcher) runMonitor(inv invocation, session connector.Session) {
	command, err := d.buildCommand(inv)
	if err != nil {
		d.deliverFailure(inv, err)
		return
	}

	out, err := session.Execute(command, d.executionTimeout())
	if err != nil {
		if errors.IsCode(err, errors.ErrConnection) {
			d.connectors.Invalidate(inv.hostID)
		}
		d.deliverFailure(inv, err)
		return
	}

	point, err := inv.module.ParseMonitor(inv.settings, out.Stdout)
	if err != nil {
		d.deliverFailure(inv, err)
		return
	}
	point.InvocationID = inv.id
	if point.Time.IsZero() {
		point.Time = time.Now().UTC()
	}
	d.recordAndPublish(inv, point)
}

// runCommand executes a command module: either a file transfer or a remote
// shell command, then parses the outcome into a CommandResult.
func (d *Dispatcher) runCommand(inv invocation, session connector.Session) {
	var result modules.CommandResult

	switch inv.module.Action {
	case modules.ActionDownload:
		result = d.runDownload(inv, session)
	case modules.ActionUpload:
		result = d.runUpload(inv, session)
	default:
		command, err := d.buildCommand(inv)
		if err != nil {
			d.deliverFailure(inv, err)
			return
		}
		out, err := session.Execute(command, d.executionTimeout())
		if err != nil {
			if errors.IsCode(err, errors.ErrConnection) {
				d.connectors.Invalidate(inv.hostID)
			}
			d.deliverFailure(inv, err)
			return
		}

		raw := out.Stdout
		if out.ExitCode != 0 && strings.TrimSpace(raw) == "" {
			raw = out.Stderr
		}
		result, err = inv.module.ParseCommand(raw, out.ExitCode)
		if err != nil {
			d.deliverFailure(inv, err)
			return
		}
	}

	result.InvocationID = inv.id
	result.HostID = inv.hostID
	result.ModuleID = inv.module.ID
	result.OpensDetailsDialog = inv.module.OpensDetails
	if result.Time.IsZero() {
		result.Time = time.Now().UTC()
	}
	d.publishResult(inv, result)
}

func (d *Dispatcher) runDownload(inv invocation, session connector.Session) modules.CommandResult {
	remotePath := inv.params[0]
	localPath := filepath.Join(os.TempDir(), "lightkeeper", inv.hostID, filepath.Base(remotePath))
	if err := session.Download(remotePath, localPath); err != nil {
		return modules.NewErrorResult(err.Error(), modules.Error)
	}
	result := modules.NewCommandResult("Downloaded to " + localPath)
	return result
}

func (d *Dispatcher) runUpload(inv invocation, session connector.Session) modules.CommandResult {
	localPath, remotePath := inv.params[0], inv.params[1]
	if err := session.Upload(localPath, remotePath); err != nil {
		return modules.NewErrorResult(err.Error(), modules.Error)
	}
	return modules.NewCommandResult("Uploaded " + localPath + " to " + remotePath)
}

// buildCommand runs the module's builder and applies the sudo prefix.
func (d *Dispatcher) buildCommand(inv invocation) (string, error) {
	prior := modules.DataPoint{}
	if snap, ok := d.cache.Snapshot(inv.hostID); ok {
		source := inv.module.ID
		if inv.module.Display.ParentID != "" {
			source = inv.module.Display.ParentID
		}
		prior = snap.Monitors[source]
	}

	command, err := inv.module.BuildCommand(inv.settings, inv.params, prior)
	if err != nil {
		return "", err
	}

	eff, _ := d.hostConfig(inv.hostID)
	if inv.module.UsesSudo && eff.UseSudo {
		command = d.preferences().SudoPrefix + " " + command
	}
	return command, nil
}

// recordAndPublish is the single write path for monitor data. Cancelled
// invocations still update the cache but deliver nothing.
func (d *Dispatcher) recordAndPublish(inv invocation, point modules.DataPoint) {
	// Completion is reported after the data event so an init batch closes
	// with all its monitor data already delivered.
	defer d.finishInitMonitor(inv.id)

	eff, _ := d.hostConfig(inv.hostID)
	isCritical := eff.Monitors[inv.module.ID].IsCritical

	monitorCrit, hostCrit := d.cache.RecordMonitor(inv.hostID, inv.module.ID, point, isCritical)

	if d.isCancelled(inv.id) {
		d.forgetCancel(inv.id)
		return
	}
	d.tracker.Observe(inv.hostID, inv.module.ID, monitorCrit, hostCrit)
	d.bus.Publish(events.MonitorData{
		HostID:    inv.hostID,
		MonitorID: inv.module.ID,
		Point:     point,
	})
}

func (d *Dispatcher) publishResult(inv invocation, result modules.CommandResult) {
	if d.isCancelled(inv.id) {
		d.forgetCancel(inv.id)
		return
	}
	d.bus.Publish(events.CommandFinished{Result: result})
}

// deliverFailure converts any invocation failure into a delivered result:
// a NoData point for monitors, an error CommandResult for commands.
func (d *Dispatcher) deliverFailure(inv invocation, err error) {
	d.log.Debug("invocation %d (%s on %s) failed: %v", inv.id, inv.module.ID, inv.hostID, err)

	switch inv.kind {
	case kindMonitor:
		point := modules.NoDataPoint()
		point.Description = err.Error()
		point.InvocationID = inv.id
		d.recordAndPublish(inv, point)
	case kindCommand:
		if d.isCancelled(inv.id) {
			d.forgetCancel(inv.id)
			return
		}
		result := modules.NewErrorResult(err.Error(), modules.Error)
		result.InvocationID = inv.id
		result.HostID = inv.hostID
		result.ModuleID = inv.module.ID
		d.bus.Publish(events.CommandFinished{Result: result})
	case kindInit:
		// acquireSession already published HostUnreachable; an init
		// that failed mid-probe only logs and frees the single-flight
		// slot for a later attempt.
		d.cache.ClearInitializing(inv.hostID)
		d.forgetCancel(inv.id)
	}
}
