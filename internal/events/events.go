// Package events carries the engine's outbound notifications. Components
// publish typed events to a Bus; consumers subscribe with a bounded queue
// and an overflow policy.
package events

import (
	"time"

	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// Event is implemented by every notification type on the bus.
type Event interface {
	Kind() string
}

// HostInitialized fires once platform facts for a host have been discovered.
type HostInitialized struct {
	HostID string
	Facts  platform.Facts
	// FromCache is set when the facts came from the persisted cache
	// instead of a live probe.
	FromCache bool
}

func (HostInitialized) Kind() string { return "host_initialized" }

// HostUnreachable fires when session establishment failed after retry and
// the host's pending work was drained.
type HostUnreachable struct {
	HostID string
	Reason string
}

func (HostUnreachable) Kind() string { return "host_unreachable" }

// MonitorData delivers a fresh (or cached) data point for one monitor.
type MonitorData struct {
	HostID    string
	MonitorID string
	Point     modules.DataPoint
	// FromCache marks initial values served from the persisted cache.
	FromCache bool
}

func (MonitorData) Kind() string { return "monitor_data" }

// CommandFinished delivers a command invocation's result.
type CommandFinished struct {
	Result modules.CommandResult
}

func (CommandFinished) Kind() string { return "command_finished" }

// MonitorStateChanged fires when a monitor's criticality moved across the
// normal/abnormal boundary, once per transition.
type MonitorStateChanged struct {
	HostID    string
	MonitorID string
	Previous  modules.Criticality
	Current   modules.Criticality
	Time      time.Time
}

func (MonitorStateChanged) Kind() string { return "monitor_state_changed" }

// HostStateChanged fires when a host's aggregate criticality changed.
type HostStateChanged struct {
	HostID   string
	Previous modules.Criticality
	Current  modules.Criticality
}

func (HostStateChanged) Kind() string { return "host_state_changed" }

// ConfigurationReloaded fires after a successful reconfigure.
type ConfigurationReloaded struct {
	Hosts int
}

func (ConfigurationReloaded) Kind() string { return "configuration_reloaded" }

// VerificationRequested fires when an invocation needs operator confirmation
// before it runs.
type VerificationRequested struct {
	InvocationID uint64
	HostID       string
	ModuleID     string
	Text         string
}

func (VerificationRequested) Kind() string { return "verification_requested" }

// InputRequested fires when a command needs operator-supplied field values
// before it can be invoked. The caller completes the params and calls
// Execute again.
type InputRequested struct {
	HostID   string
	ModuleID string
	Specs    []modules.InputSpec
	Params   []string
}

func (InputRequested) Kind() string { return "input_requested" }
