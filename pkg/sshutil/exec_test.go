package sshutil

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitHangar/lightkeeper/internal/errors"
)

// stubRunner blocks in Run until released or closed, like a remote command
// that never exits.
type stubRunner struct {
	runErr error

	mu       sync.Mutex
	blocked  bool
	released chan struct{}
	closed   bool
}

func newStubRunner(runErr error, blocked bool) *stubRunner {
	return &stubRunner{
		runErr:   runErr,
		blocked:  blocked,
		released: make(chan struct{}),
	}
}

func (r *stubRunner) Run(string) error {
	r.mu.Lock()
	blocked := r.blocked
	r.mu.Unlock()
	if blocked {
		<-r.released
	}
	return r.runErr
}

func (r *stubRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.released)
	}
	return nil
}

func (r *stubRunner) wasClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestRunWithDeadlinePassesResultThrough(t *testing.T) {
	sentinel := stderrors.New("remote says no")
	r := newStubRunner(sentinel, false)

	err := runWithDeadline(r, "uptime", time.Second)
	assert.Equal(t, sentinel, err)
	assert.False(t, r.wasClosed())
}

func TestRunWithDeadlineZeroWaitsIndefinitely(t *testing.T) {
	r := newStubRunner(nil, false)

	require.NoError(t, runWithDeadline(r, "uptime", 0))
	assert.False(t, r.wasClosed())
}

func TestRunWithDeadlineClosesStuckSession(t *testing.T) {
	r := newStubRunner(nil, true)

	start := time.Now()
	err := runWithDeadline(r, "sleep infinity", 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
	assert.True(t, r.wasClosed(), "stuck session should be torn down")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClassifyRunErrorTransportFailure(t *testing.T) {
	// A Run failure with no remote exit status means the transport broke
	// mid-command; it must surface as a connection error so the session
	// is invalidated and retried.
	code, err := classifyRunError("uptime", stderrors.New("ssh: session channel closed"))
	assert.Equal(t, -1, code)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnection))
}
