// Package testing provides in-memory connector fakes so engine and registry
// code can be exercised without network access.
package testing

import (
	"strings"
	"sync"
	"time"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/connector"
	"github.com/GitHangar/lightkeeper/internal/errors"
)

// Response is a canned result for commands matching a substring.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// MockConnector hands out MockSessions and can be told to fail connects.
type MockConnector struct {
	mu sync.Mutex

	// ConnectErrs are returned in order for successive Connect calls;
	// once exhausted, connects succeed.
	ConnectErrs []error

	// connectErr, when set, fails every Connect until cleared.
	connectErr error

	connects int
	sessions []*MockSession

	// Responses maps a command substring to its canned response. The
	// first matching entry in insertion order wins.
	patterns  []string
	responses map[string]Response

	// Delay hook: when set, Execute calls it before responding. Tests
	// use it to hold invocations in flight.
	OnExecute func(cmd string)
}

// NewMockConnector creates a connector whose sessions answer every command
// with empty output and exit code 0 unless a response is scripted.
func NewMockConnector() *MockConnector {
	return &MockConnector{responses: make(map[string]Response)}
}

// Respond scripts a response for commands containing the pattern.
func (c *MockConnector) Respond(pattern string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.responses[pattern]; !exists {
		c.patterns = append(c.patterns, pattern)
	}
	c.responses[pattern] = resp
}

func (c *MockConnector) Type() string { return "ssh" }

// Connect returns the next scripted error or a fresh session.
func (c *MockConnector) Connect(host config.Effective, _ map[string]string) (connector.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	session := &MockSession{owner: c, host: host.ID, alive: true}
	c.sessions = append(c.sessions, session)
	return session, nil
}

// SetConnectErr makes every Connect fail with err until cleared with nil.
func (c *MockConnector) SetConnectErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// Connects reports how many Connect calls were made.
func (c *MockConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Sessions returns every session handed out so far.
func (c *MockConnector) Sessions() []*MockSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockSession(nil), c.sessions...)
}

func (c *MockConnector) respond(cmd string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pattern := range c.patterns {
		if strings.Contains(cmd, pattern) {
			return c.responses[pattern], true
		}
	}
	return Response{}, false
}

// MockSession records executed commands and answers from the connector's
// scripted responses.
type MockSession struct {
	owner *MockConnector
	host  string

	mu       sync.Mutex
	alive    bool
	closed   bool
	executed []string
	timeouts []time.Duration
	uploads  [][2]string
	download [][2]string
}

func (s *MockSession) Execute(cmd string, timeout time.Duration) (connector.Output, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return connector.Output{}, errors.New(errors.ErrConnection,
			"session to "+s.host+" is closed", "")
	}
	s.executed = append(s.executed, cmd)
	s.timeouts = append(s.timeouts, timeout)
	s.mu.Unlock()

	if s.owner.OnExecute != nil {
		s.owner.OnExecute(cmd)
	}

	if resp, ok := s.owner.respond(cmd); ok {
		return connector.Output{
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			ExitCode: resp.ExitCode,
		}, resp.Err
	}
	return connector.Output{}, nil
}

func (s *MockSession) Download(remotePath, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download = append(s.download, [2]string{remotePath, localPath})
	return nil
}

func (s *MockSession) Upload(localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, [2]string{localPath, remotePath})
	return nil
}

func (s *MockSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

// Kill marks the session dead so the registry reconnects on next use.
func (s *MockSession) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Executed returns the commands run on this session.
func (s *MockSession) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// Timeouts returns the execution deadline passed with each command.
func (s *MockSession) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

// Downloads returns recorded (remote, local) transfer pairs.
func (s *MockSession) Downloads() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.download...)
}

// Uploads returns recorded (local, remote) transfer pairs.
func (s *MockSession) Uploads() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.uploads...)
}
