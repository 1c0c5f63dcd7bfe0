package engine

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/connector"
	connectortesting "github.com/GitHangar/lightkeeper/internal/connector/testing"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/state"
)

const detectOutput = `Linux
6.8.0-45-generic
web1
ID=debian
VERSION_ID="12"
HAS:systemd
HAS:sudo
`

type harness struct {
	dispatcher *Dispatcher
	mock       *connectortesting.MockConnector
	bus        *events.Bus
	sub        *events.Subscription
	store      *config.Store
	dir        string
}

// newHarness builds a dispatcher over a mock connector and the given
// hosts.yaml/groups.yaml content.
func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()

	dir := t.TempDir()
	if _, ok := files[config.MainFileName]; !ok {
		files[config.MainFileName] = "version: 1\npreferences:\n  refresh_hosts_on_start: false\ncache:\n  enabled: false\n"
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	store, err := config.NewStore(dir, logger.Noop())
	require.NoError(t, err)

	registry := modules.NewRegistry()
	require.NoError(t, modules.RegisterBuiltins(registry))

	mock := connectortesting.NewMockConnector()
	mock.Respond("uname -s", connectortesting.Response{Stdout: detectOutput})

	connectors := connector.NewRegistry(logger.Noop())
	require.NoError(t, connectors.Register(mock))

	bus := events.NewBus(logger.Noop())
	cache := state.NewCache(nil, logger.Noop())

	dispatcher, err := NewDispatcher(Options{
		Store:      store,
		Modules:    registry,
		Connectors: connectors,
		Cache:      cache,
		Tracker:    state.NewTracker(bus),
		Bus:        bus,
		Log:        logger.Noop(),
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	h := &harness{
		dispatcher: dispatcher,
		mock:       mock,
		bus:        bus,
		sub:        bus.Subscribe(256, events.Block),
		store:      store,
		dir:        dir,
	}
	t.Cleanup(func() {
		dispatcher.Stop()
		bus.Close()
	})
	return h
}

func singleHostFiles() map[string]string {
	return map[string]string{
		config.HostsFileName: `hosts:
  web:
    address: 10.0.0.1
    user: admin
    monitors:
      uptime: {}
      load: {}
    commands:
      logs: {}
      reboot: {}
      systemd-service-start: {}
      file-download: {}
`,
	}
}

// waitFor pulls events until one matches, failing the test on timeout.
func (h *harness) waitFor(t *testing.T, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.sub.C:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func (h *harness) expectNoEvent(t *testing.T, kind string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case e := <-h.sub.C:
			if e.Kind() == kind {
				t.Fatalf("unexpected %s event", kind)
			}
		case <-deadline:
			return
		}
	}
}

func TestInvocationIDsStartAtOne(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	first, err := h.dispatcher.Execute("web", "uptime", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	second, err := h.dispatcher.Execute("web", "load", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second)
}

func TestExecuteMonitorDeliversData(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.Respond("uptime -s", connectortesting.Response{Stdout: "2026-08-01 10:00:00\n"})

	id, err := h.dispatcher.Execute("web", "uptime", nil)
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	data := e.(events.MonitorData)
	assert.Equal(t, "web", data.HostID)
	assert.Equal(t, "uptime", data.MonitorID)
	assert.Equal(t, id, data.Point.InvocationID)
	assert.Equal(t, modules.Normal, data.Point.Criticality)

	snap, ok := h.dispatcher.cache.Snapshot("web")
	require.True(t, ok)
	assert.Contains(t, snap.Monitors, "uptime")
}

func TestMonitorParseFailureBecomesNoData(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.Respond("uptime -s", connectortesting.Response{Stdout: "not a timestamp"})

	_, err := h.dispatcher.Execute("web", "uptime", nil)
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	point := e.(events.MonitorData).Point
	assert.Equal(t, modules.NoData, point.Criticality)
	assert.NotEmpty(t, point.Description)
}

func TestExecuteCommandDeliversResult(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.Respond("journalctl", connectortesting.Response{Stdout: "log line 1\nlog line 2\n"})

	id, err := h.dispatcher.Execute("web", "logs", []string{"", "1", "100"})
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })
	result := e.(events.CommandFinished).Result
	assert.Equal(t, id, result.InvocationID)
	assert.Equal(t, "web", result.HostID)
	assert.Equal(t, "logs", result.ModuleID)
	assert.False(t, result.Failed())
	assert.Contains(t, result.Message, "log line 1")
	assert.True(t, result.OpensDetailsDialog)
}

func TestCommandFailureBecomesErrorResult(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.Respond("journalctl", connectortesting.Response{Stderr: "not permitted", ExitCode: 1})

	_, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })
	result := e.(events.CommandFinished).Result
	assert.True(t, result.Failed())
}

func TestExecuteRejectsDisabledAndUnknownModules(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	_, err := h.dispatcher.Execute("web", "memory", nil)
	require.Error(t, err, "memory is not enabled for this host")
	assert.True(t, errors.IsCode(err, errors.ErrConfig))

	_, err = h.dispatcher.Execute("web", "no-such-module", nil)
	require.Error(t, err)

	_, err = h.dispatcher.Execute("ghost", "uptime", nil)
	require.Error(t, err)
}

func TestExecuteValidatesCommandParams(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	_, err := h.dispatcher.Execute("web", "file-download", []string{"relative/path"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrValidation))
}

func TestExecuteRequestsMissingInput(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	id, err := h.dispatcher.Execute("web", "file-download", nil)
	require.NoError(t, err)
	assert.Zero(t, id)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "input_requested" })
	req := e.(events.InputRequested)
	assert.Equal(t, "web", req.HostID)
	assert.Equal(t, "file-download", req.ModuleID)
	require.Len(t, req.Specs, 1)
	assert.Equal(t, "Remote path", req.Specs[0].Label)
}

func TestConcurrencyCapPerHost(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	h.mock.OnExecute = func(string) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}

	for i := 0; i < 5; i++ {
		_, err := h.dispatcher.Execute("web", "uptime", nil)
		require.NoError(t, err)
	}

	// Give the workers time to pull as much as they are allowed to.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), inFlight.Load(), "cap is two in-flight invocations")
	close(release)

	for i := 0; i < 5; i++ {
		h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestUnreachableHostDrainsQueue(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.SetConnectErr(errors.New(errors.ErrConnection, "no route to host", ""))

	// The first invocation fails to connect twice and marks the host
	// unreachable; queued work drains with error results.
	for i := 0; i < 3; i++ {
		_, err := h.dispatcher.Execute("web", "logs", nil)
		require.NoError(t, err)
	}

	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "host_unreachable" })
	for i := 0; i < 3; i++ {
		e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })
		assert.True(t, e.(events.CommandFinished).Result.Failed())
	}

	snap, _ := h.dispatcher.cache.Snapshot("web")
	assert.Equal(t, state.StatusUnreachable, snap.Status)
	assert.GreaterOrEqual(t, h.mock.Connects(), 2, "the first failure is retried once")
}

func TestInitializeHostDiscoversFacts(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	id, err := h.dispatcher.InitializeHost("web")
	require.NoError(t, err)
	assert.NotZero(t, id)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "host_initialized" })
	facts := e.(events.HostInitialized).Facts
	assert.Equal(t, "web1", facts.Hostname)
	assert.Equal(t, "debian", facts.Flavor)
	assert.True(t, facts.HasSubsystem("systemd"))

	snap, _ := h.dispatcher.cache.Snapshot("web")
	assert.Equal(t, state.StatusInitialized, snap.Status)
}

func TestInitializeHostIsSingleFlight(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	release := make(chan struct{})
	h.mock.OnExecute = func(string) { <-release }

	first, err := h.dispatcher.InitializeHost("web")
	require.NoError(t, err)
	assert.NotZero(t, first)

	// While the probe hangs, another call is a no-op.
	second, err := h.dispatcher.InitializeHost("web")
	require.NoError(t, err)
	assert.Zero(t, second)

	close(release)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "host_initialized" })

	snap, _ := h.dispatcher.cache.Snapshot("web")
	assert.Equal(t, state.StatusInitialized, snap.Status)
}

func TestInitializeRecoversUnreachableHost(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	h.mock.SetConnectErr(errors.New(errors.ErrConnection, "no route", ""))

	_, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "host_unreachable" })

	// The network heals; re-initialization gets a fresh attempt.
	h.mock.SetConnectErr(nil)
	_, err = h.dispatcher.InitializeHost("web")
	require.NoError(t, err)

	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "host_initialized" })
	snap, _ := h.dispatcher.cache.Snapshot("web")
	assert.Equal(t, state.StatusInitialized, snap.Status)
}

func TestRefreshOnStartQueuesMonitors(t *testing.T) {
	files := singleHostFiles()
	files[config.MainFileName] = "version: 1\npreferences:\n  refresh_hosts_on_start: true\ncache:\n  enabled: false\n"
	h := newHarness(t, files)
	h.mock.Respond("uptime -s", connectortesting.Response{Stdout: "2026-08-01 10:00:00\n"})
	h.mock.Respond("loadavg", connectortesting.Response{Stdout: "0.1 0.2 0.3 1/100 42\n"})

	_, err := h.dispatcher.InitializeHost("web")
	require.NoError(t, err)

	seen := map[string]bool{}
	for len(seen) < 2 {
		e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
		seen[e.(events.MonitorData).MonitorID] = true
	}
	assert.True(t, seen["uptime"])
	assert.True(t, seen["load"])
}

func TestConfirmationFlow(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	id, err := h.dispatcher.Execute("web", "reboot", nil)
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "verification_requested" })
	req := e.(events.VerificationRequested)
	assert.Equal(t, id, req.InvocationID)
	assert.NotEmpty(t, req.Text)

	// Nothing ran yet.
	h.expectNoEvent(t, "command_finished", 50*time.Millisecond)
	for _, session := range h.mock.Sessions() {
		assert.Empty(t, session.Executed())
	}

	require.NoError(t, h.dispatcher.ExecuteConfirmed(id))
	e = h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })
	assert.Equal(t, id, e.(events.CommandFinished).Result.InvocationID)

	// A confirmation id can be used once.
	assert.Error(t, h.dispatcher.ExecuteConfirmed(id))
}

func TestCancelParkedConfirmation(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	id, err := h.dispatcher.Execute("web", "reboot", nil)
	require.NoError(t, err)

	h.dispatcher.Cancel(id)
	assert.Error(t, h.dispatcher.ExecuteConfirmed(id))
}

func TestCancelSuppressesResultDelivery(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	started := make(chan struct{})
	release := make(chan struct{})
	h.mock.OnExecute = func(cmd string) {
		close(started)
		<-release
	}

	id, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)

	<-started
	h.dispatcher.Cancel(id)
	close(release)

	h.expectNoEvent(t, "command_finished", 100*time.Millisecond)
}

func TestGetCommands(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	commands, err := h.dispatcher.GetCommands("web", "")
	require.NoError(t, err)

	ids := make([]string, len(commands))
	for i, m := range commands {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"file-download", "logs", "reboot", "systemd-service-start"}, ids)

	systemdOnly, err := h.dispatcher.GetCommands("web", "systemd")
	require.NoError(t, err)
	assert.Len(t, systemdOnly, 2)
}

func TestGetChildCommands(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	children, err := h.dispatcher.GetChildCommands("web", "", "systemd-services", 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "systemd-service-start", children[0].ID)

	levelOne, err := h.dispatcher.GetChildCommands("web", "", "systemd-services", 1)
	require.NoError(t, err)
	assert.Len(t, levelOne, 1)

	levelTwo, err := h.dispatcher.GetChildCommands("web", "", "systemd-services", 2)
	require.NoError(t, err)
	assert.Empty(t, levelTwo)

	none, err := h.dispatcher.GetChildCommands("web", "", "filesystem", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReconfigureAddsAndRemovesHosts(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, config.HostsFileName), []byte(`hosts:
  db:
    address: 10.0.0.2
    monitors:
      uptime: {}
`), 0o644))

	require.NoError(t, h.dispatcher.Reconfigure())
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "configuration_reloaded" })

	_, err := h.dispatcher.Execute("db", "uptime", nil)
	require.NoError(t, err)

	_, err = h.dispatcher.Execute("web", "uptime", nil)
	require.Error(t, err, "removed host is gone")

	hosts := h.dispatcher.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, "db", hosts[0].ID)
}

func TestStopRejectsNewWork(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	h.dispatcher.Stop()

	_, err := h.dispatcher.Execute("web", "uptime", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrExecution))

	// Stop is idempotent.
	h.dispatcher.Stop()
}

func TestSudoPrefixApplied(t *testing.T) {
	files := map[string]string{
		config.HostsFileName: `hosts:
  web:
    address: 10.0.0.1
    settings:
      use_sudo: true
    commands:
      logs: {}
`,
	}
	h := newHarness(t, files)

	_, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })

	sessions := h.mock.Sessions()
	require.NotEmpty(t, sessions)
	executed := sessions[0].Executed()
	require.NotEmpty(t, executed)
	assert.True(t, len(executed[0]) > 5 && executed[0][:5] == "sudo ", "got %q", executed[0])
}

func TestFileDownloadUsesTransfer(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	_, err := h.dispatcher.Execute("web", "file-download", []string{"/etc/hosts"})
	require.NoError(t, err)

	e := h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })
	result := e.(events.CommandFinished).Result
	assert.False(t, result.Failed())

	sessions := h.mock.Sessions()
	require.NotEmpty(t, sessions)
	downloads := sessions[0].Downloads()
	require.Len(t, downloads, 1)
	assert.Equal(t, "/etc/hosts", downloads[0][0])
}

func TestInitializedEventFollowsMonitorData(t *testing.T) {
	files := singleHostFiles()
	files[config.MainFileName] = "version: 1\npreferences:\n  refresh_hosts_on_start: true\ncache:\n  enabled: false\n"
	h := newHarness(t, files)
	h.mock.Respond("uptime -s", connectortesting.Response{Stdout: "2026-08-01 10:00:00\n"})
	h.mock.Respond("loadavg", connectortesting.Response{Stdout: "0.1 0.2 0.3 1/100 42\n"})

	_, err := h.dispatcher.InitializeHost("web")
	require.NoError(t, err)

	monitorData := 0
	for {
		e := h.waitFor(t, func(e events.Event) bool {
			return e.Kind() == "monitor_data" || e.Kind() == "host_initialized"
		})
		if e.Kind() == "monitor_data" {
			monitorData++
			continue
		}
		assert.Equal(t, 2, monitorData,
			"every refreshed monitor delivers before the initialized event")
		assert.Equal(t, "web1", e.(events.HostInitialized).Facts.Hostname)
		return
	}
}

func TestReconfigureReconnectsChangedHost(t *testing.T) {
	h := newHarness(t, singleHostFiles())
	h.mock.Respond("uptime -s", connectortesting.Response{Stdout: "2026-08-01 10:00:00\n"})

	_, err := h.dispatcher.Execute("web", "uptime", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	assert.Equal(t, 1, h.mock.Connects())

	// Same host id, different endpoint: the cached session must not
	// survive the reload.
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, config.HostsFileName), []byte(`hosts:
  web:
    address: 10.0.0.99
    user: deploy
    monitors:
      uptime: {}
      load: {}
    commands:
      logs: {}
      reboot: {}
      systemd-service-start: {}
      file-download: {}
`), 0o644))
	require.NoError(t, h.dispatcher.Reconfigure())

	_, err = h.dispatcher.Execute("web", "uptime", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	assert.Equal(t, 2, h.mock.Connects(), "changed endpoint forces a fresh session")
}

func TestReconfigureAppliesConcurrencyCap(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, config.MainFileName),
		[]byte("version: 1\npreferences:\n  refresh_hosts_on_start: false\n  max_concurrent_per_host: 1\ncache:\n  enabled: false\n"), 0o644))
	require.NoError(t, h.dispatcher.Reconfigure())

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	h.mock.OnExecute = func(string) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}

	for i := 0; i < 4; i++ {
		_, err := h.dispatcher.Execute("web", "uptime", nil)
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), inFlight.Load(), "lowered cap applies to the existing host")
	close(release)

	for i := 0; i < 4; i++ {
		h.waitFor(t, func(e events.Event) bool { return e.Kind() == "monitor_data" })
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestCancelIgnoresSettledInvocations(t *testing.T) {
	h := newHarness(t, singleHostFiles())

	id, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })

	require.Eventually(t, func() bool {
		h.dispatcher.mu.Lock()
		defer h.dispatcher.mu.Unlock()
		return len(h.dispatcher.live) == 0
	}, time.Second, 5*time.Millisecond)

	// Cancelling after delivery, or with an id that was never issued,
	// leaves no marker behind.
	h.dispatcher.Cancel(id)
	h.dispatcher.Cancel(987654)

	h.dispatcher.mu.Lock()
	markers := len(h.dispatcher.cancelled)
	h.dispatcher.mu.Unlock()
	assert.Zero(t, markers)
}

func TestExecutionTimeoutReachesSession(t *testing.T) {
	files := singleHostFiles()
	files[config.MainFileName] = "version: 1\npreferences:\n  refresh_hosts_on_start: false\n  execution_timeout: 250ms\ncache:\n  enabled: false\n"
	h := newHarness(t, files)
	h.mock.Respond("journalctl", connectortesting.Response{Stdout: "log line\n"})

	_, err := h.dispatcher.Execute("web", "logs", nil)
	require.NoError(t, err)
	h.waitFor(t, func(e events.Event) bool { return e.Kind() == "command_finished" })

	sessions := h.mock.Sessions()
	require.NotEmpty(t, sessions)
	timeouts := sessions[0].Timeouts()
	require.NotEmpty(t, timeouts)
	assert.Equal(t, 250*time.Millisecond, timeouts[0])
}
