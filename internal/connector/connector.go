// Package connector abstracts how the engine reaches hosts. A Connector
// type (keyed by name, e.g. "ssh") establishes Sessions; the Registry caches
// one live session per host and re-establishes it when the probe fails.
package connector

import (
	"sync"
	"time"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/logger"
)

// Output is the result of one remote command execution.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is one established channel to a host.
type Session interface {
	// Execute runs a shell command. A command that ran but exited
	// non-zero returns a nil error with the code in Output. A positive
	// timeout bounds the execution; zero waits indefinitely.
	Execute(cmd string, timeout time.Duration) (Output, error)

	// Download copies a remote file to a local path.
	Download(remotePath, localPath string) error

	// Upload copies a local file to a remote path.
	Upload(localPath, remotePath string) error

	// IsAlive probes whether the session is still usable.
	IsAlive() bool

	Close() error
}

// Connector establishes sessions of one transport type.
type Connector interface {
	// Type is the name hosts reference in their connector config.
	Type() string

	// Connect opens a new session to the host. Settings come from the
	// host's resolved connector config.
	Connect(host config.Effective, settings map[string]string) (Session, error)
}

// Registry holds the known connector types and one cached session per host.
type Registry struct {
	mu         sync.Mutex
	connectors map[string]Connector
	sessions   map[string]Session
	log        logger.Logger
}

// NewRegistry creates a registry with no connectors registered.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		connectors: make(map[string]Connector),
		sessions:   make(map[string]Session),
		log:        log,
	}
}

// Register adds a connector type. Duplicate types are rejected.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.Type()]; exists {
		return errors.New(errors.ErrConfig,
			"Connector type \""+c.Type()+"\" is already registered", "")
	}
	r.connectors[c.Type()] = c
	return nil
}

// Session returns a live session for the host, reusing the cached one when
// its probe still succeeds. The connector type is taken from the host's
// connector config; hosts that configure none use "ssh".
func (r *Registry) Session(host config.Effective) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.sessions[host.ID]; ok {
		if cached.IsAlive() {
			return cached, nil
		}
		r.log.Debug("cached session for %s is dead, reconnecting", host.ID)
		cached.Close()
		delete(r.sessions, host.ID)
	}

	connectorType, settings := hostConnector(host)
	c, ok := r.connectors[connectorType]
	if !ok {
		return nil, errors.New(errors.ErrConfig,
			"Host \""+host.ID+"\" wants unknown connector type \""+connectorType+"\"",
			"Register the connector or fix the host's connector config")
	}

	session, err := c.Connect(host, settings)
	if err != nil {
		return nil, err
	}
	r.sessions[host.ID] = session
	r.log.Debug("established %s session to %s", connectorType, host.ID)
	return session, nil
}

// Invalidate drops the cached session for a host so the next request
// reconnects from scratch.
func (r *Registry) Invalidate(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[hostID]; ok {
		session.Close()
		delete(r.sessions, hostID)
	}
}

// CloseAll closes every cached session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hostID, session := range r.sessions {
		session.Close()
		delete(r.sessions, hostID)
	}
}

// hostConnector picks the connector type for a host. Hosts may configure at
// most one connector; none means plain SSH.
func hostConnector(host config.Effective) (string, map[string]string) {
	for connectorType, cfg := range host.Connectors {
		return connectorType, cfg.Settings
	}
	return "ssh", nil
}
