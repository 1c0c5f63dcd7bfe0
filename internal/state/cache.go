package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// HostStatus is the connectivity lifecycle of a host.
type HostStatus string

const (
	// StatusUninitialized: host is configured but not yet probed.
	StatusUninitialized HostStatus = "uninitialized"
	// StatusInitializing: a live platform probe is in flight.
	StatusInitializing HostStatus = "initializing"
	// StatusFromCache: facts were seeded from the persisted cache; a live
	// probe has not confirmed them yet.
	StatusFromCache HostStatus = "initialized_from_cache"
	// StatusInitialized: platform facts are known and the host answers.
	StatusInitialized HostStatus = "initialized"
	// StatusUnreachable: session establishment failed after retry.
	StatusUnreachable HostStatus = "unreachable"
)

// HostState is a snapshot of everything known about one host.
type HostState struct {
	ID        string
	Status    HostStatus
	Facts     platform.Facts
	Monitors  map[string]modules.DataPoint
	Aggregate modules.Criticality
	UpdatedAt time.Time
}

// Cache is the authoritative in-memory host state, optionally mirrored to a
// persistent store. All mutation goes through its methods so aggregation
// stays consistent.
type Cache struct {
	mu    sync.RWMutex
	hosts map[string]*HostState

	store *Store
	log   logger.Logger
}

// NewCache creates a cache. store may be nil for a purely in-memory cache.
func NewCache(store *Store, log logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	return &Cache{
		hosts: make(map[string]*HostState),
		store: store,
		log:   log,
	}
}

// AddHost registers a host in pending state. Existing hosts are unchanged.
func (c *Cache) AddHost(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.hosts[hostID]; exists {
		return
	}
	c.hosts[hostID] = &HostState{
		ID:        hostID,
		Status:    StatusUninitialized,
		Monitors:  make(map[string]modules.DataPoint),
		Aggregate: modules.NoData,
		UpdatedAt: time.Now().UTC(),
	}
}

// RemoveHost drops a host entirely. Used on reconfigure.
func (c *Cache) RemoveHost(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, hostID)
}

// SetFacts records discovered platform facts and marks the host up.
func (c *Cache) SetFacts(hostID string, facts platform.Facts) {
	c.mu.Lock()
	state, ok := c.hosts[hostID]
	if !ok {
		c.mu.Unlock()
		return
	}
	state.Facts = facts
	state.Status = StatusInitialized
	state.UpdatedAt = time.Now().UTC()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveFacts(context.Background(), hostID, facts); err != nil {
			c.log.Warn("persisting facts for %s failed: %v", hostID, err)
		}
	}
}

// Status returns a host's lifecycle status.
func (c *Cache) Status(hostID string) HostStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, ok := c.hosts[hostID]; ok {
		return state.Status
	}
	return StatusUninitialized
}

// MarkInitializing flags a host as having a live probe in flight. Returns
// false when one is already running, so initialization is single-flight.
func (c *Cache) MarkInitializing(hostID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.hosts[hostID]
	if !ok || state.Status == StatusInitializing {
		return false
	}
	state.Status = StatusInitializing
	state.UpdatedAt = time.Now().UTC()
	return true
}

// ClearInitializing resets a host whose live probe failed without a
// connection-level verdict, so a later initialization can run.
func (c *Cache) ClearInitializing(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.hosts[hostID]; ok && state.Status == StatusInitializing {
		state.Status = StatusUninitialized
		state.UpdatedAt = time.Now().UTC()
	}
}

// SetUnreachable marks the host unreachable.
func (c *Cache) SetUnreachable(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.hosts[hostID]; ok {
		state.Status = StatusUnreachable
		state.UpdatedAt = time.Now().UTC()
	}
}

// RecordMonitor stores the latest data point for a monitor and recomputes
// the host aggregate. isCritical escalates Error results to Critical.
// It returns the new effective criticality of the monitor and of the host.
// This is the only write path for monitor data.
func (c *Cache) RecordMonitor(hostID, monitorID string, point modules.DataPoint, isCritical bool) (monitorCrit, hostCrit modules.Criticality) {
	if isCritical {
		point = escalate(point)
	}
	effective := EffectiveCriticality(point)

	c.mu.Lock()
	state, ok := c.hosts[hostID]
	if !ok {
		c.mu.Unlock()
		return effective, modules.NoData
	}
	state.Monitors[monitorID] = point
	state.Aggregate = aggregate(state.Monitors)
	state.UpdatedAt = time.Now().UTC()
	hostCrit = state.Aggregate
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SavePoint(context.Background(), hostID, monitorID, point); err != nil {
			c.log.Warn("persisting %s/%s failed: %v", hostID, monitorID, err)
		}
	}
	return effective, hostCrit
}

// Snapshot returns a deep-enough copy of a host's state: the monitor map is
// copied so callers can iterate without holding the cache lock.
func (c *Cache) Snapshot(hostID string) (HostState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.hosts[hostID]
	if !ok {
		return HostState{}, false
	}
	copied := *state
	copied.Monitors = make(map[string]modules.DataPoint, len(state.Monitors))
	for id, point := range state.Monitors {
		copied.Monitors[id] = point
	}
	return copied, true
}

// Hosts returns the sorted ids of all known hosts.
func (c *Cache) Hosts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.hosts))
	for id := range c.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadPersisted fills a host's facts and monitor points from the store.
// Points older than maxAge are skipped. Returns whether facts were found.
func (c *Cache) LoadPersisted(ctx context.Context, hostID string, maxAge time.Duration) (bool, error) {
	if c.store == nil {
		return false, nil
	}

	facts, found, err := c.store.LoadFacts(ctx, hostID)
	if err != nil {
		return false, err
	}
	points, err := c.store.LoadPoints(ctx, hostID, maxAge)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.hosts[hostID]
	if !ok {
		return false, nil
	}
	if found {
		state.Facts = facts
		if state.Status == StatusUninitialized {
			state.Status = StatusFromCache
		}
	}
	for monitorID, point := range points {
		state.Monitors[monitorID] = point
	}
	state.Aggregate = aggregate(state.Monitors)
	return found, nil
}

// EffectiveCriticality folds a data point tree to its most severe
// aggregating criticality.
func EffectiveCriticality(point modules.DataPoint) modules.Criticality {
	result := modules.NoData
	if point.Criticality.Aggregates() {
		result = point.Criticality
	}
	for _, child := range point.Children {
		result = modules.MaxCriticality(result, EffectiveCriticality(child))
	}
	return result
}

// escalate raises Error to Critical throughout a data point tree. Applied
// to monitors marked is_critical in host config.
func escalate(point modules.DataPoint) modules.DataPoint {
	if point.Criticality == modules.Error {
		point.Criticality = modules.Critical
	}
	for i, child := range point.Children {
		point.Children[i] = escalate(child)
	}
	return point
}

func aggregate(monitors map[string]modules.DataPoint) modules.Criticality {
	result := modules.NoData
	for _, point := range monitors {
		result = modules.MaxCriticality(result, EffectiveCriticality(point))
	}
	return result
}
