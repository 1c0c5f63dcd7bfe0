package config

import (
	"sync"

	"github.com/GitHangar/lightkeeper/internal/logger"
)

// Store holds the live configuration and swaps it atomically on reload.
// Readers always see either the old set or the new set, never a mix.
type Store struct {
	mu          sync.RWMutex
	current     *Configuration
	subscribers []func(*Configuration)
	log         logger.Logger
}

// NewStore loads the configuration from dir and wraps it in a store.
func NewStore(dir string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Store{current: cfg, log: log}, nil
}

// Current returns the active configuration set.
func (s *Store) Current() *Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a callback invoked after every successful reload.
// Callbacks run synchronously on the reloading goroutine.
func (s *Store) Subscribe(fn func(*Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reload re-reads the configuration from disk. On any error the previous
// set stays active and no subscriber is notified.
func (s *Store) Reload() error {
	s.mu.RLock()
	dir := s.current.Dir
	s.mu.RUnlock()

	cfg, err := Load(dir)
	if err != nil {
		s.log.Error("config reload failed, keeping previous set: %v", err)
		return err
	}
	// Resolving everything up front rejects sets with bad references
	// before anything observes them.
	if _, err := cfg.ResolveAll(); err != nil {
		s.log.Error("config reload failed, keeping previous set: %v", err)
		return err
	}

	s.mu.Lock()
	s.current = cfg
	subscribers := make([]func(*Configuration), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	s.log.Info("configuration reloaded: %d hosts, %d groups", len(cfg.Hosts), len(cfg.Groups))
	for _, fn := range subscribers {
		fn(cfg)
	}
	return nil
}
