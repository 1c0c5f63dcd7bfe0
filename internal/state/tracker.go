package state

import (
	"sync"
	"time"

	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/modules"
)

// Tracker watches criticality transitions and publishes state-change events
// exactly once per transition. Re-observing the same criticality is silent.
type Tracker struct {
	mu       sync.Mutex
	monitors map[string]map[string]modules.Criticality
	hosts    map[string]modules.Criticality
	bus      *events.Bus
}

// NewTracker creates a tracker publishing to bus.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{
		monitors: make(map[string]map[string]modules.Criticality),
		hosts:    make(map[string]modules.Criticality),
		bus:      bus,
	}
}

// Observe records the latest criticalities for a monitor and its host, and
// publishes MonitorStateChanged and HostStateChanged on transitions.
func (t *Tracker) Observe(hostID, monitorID string, monitorCrit, hostCrit modules.Criticality) {
	t.mu.Lock()

	hostMonitors, ok := t.monitors[hostID]
	if !ok {
		hostMonitors = make(map[string]modules.Criticality)
		t.monitors[hostID] = hostMonitors
	}

	// Unseen monitors and hosts start from NoData, so a first observation
	// that already carries a real criticality counts as a transition.
	prevMonitor := hostMonitors[monitorID]
	hostMonitors[monitorID] = monitorCrit

	prevHost := t.hosts[hostID]
	t.hosts[hostID] = hostCrit

	monitorChanged := prevMonitor != monitorCrit
	hostChanged := prevHost != hostCrit
	t.mu.Unlock()

	if monitorChanged {
		t.bus.Publish(events.MonitorStateChanged{
			HostID:    hostID,
			MonitorID: monitorID,
			Previous:  prevMonitor,
			Current:   monitorCrit,
			Time:      time.Now().UTC(),
		})
	}
	if hostChanged {
		t.bus.Publish(events.HostStateChanged{
			HostID:   hostID,
			Previous: prevHost,
			Current:  hostCrit,
		})
	}
}

// Forget drops all tracked state for a host. Used on reconfigure so a
// re-added host starts fresh.
func (t *Tracker) Forget(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.monitors, hostID)
	delete(t.hosts, hostID)
}
