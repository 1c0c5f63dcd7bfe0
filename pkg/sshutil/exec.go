package sshutil

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/GitHangar/lightkeeper/internal/errors"
)

// Exec runs a command on the remote host and returns stdout, stderr and the
// exit code. A non-zero exit code with nil error means the command ran but
// failed; exit code -1 means it could not be started at all. When timeout is
// positive, a command still running at the deadline has its session torn
// down and Exec returns a connection error.
func (c *Client) Exec(cmd string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.Client.NewSession()
	if err != nil {
		return nil, nil, -1, errors.WrapWithCode(err, errors.ErrConnection,
			"Failed to open SSH session",
			"The connection may have dropped. It will be re-established on the next attempt.")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err = runWithDeadline(session, cmd, timeout); err != nil {
		exitCode, err = classifyRunError(cmd, err)
		if err != nil {
			return nil, nil, -1, err
		}
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// classifyRunError maps a session.Run failure to an exit code. A remote
// non-zero exit is not an error. Anything else means the transport failed
// under us, so it becomes a connection error and the session gets replaced.
func classifyRunError(cmd string, err error) (int, error) {
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), nil
	}
	return -1, errors.WrapWithCode(err, errors.ErrConnection,
		fmt.Sprintf("Failed to execute command: %s", cmd),
		"The session will be re-established on the next attempt.")
}

// runner is the subset of ssh.Session that deadline enforcement needs.
type runner interface {
	Run(cmd string) error
	io.Closer
}

// runWithDeadline runs cmd, closing the session if it is still going when
// the timeout expires. A zero or negative timeout waits indefinitely.
func runWithDeadline(session runner, cmd string, timeout time.Duration) error {
	if timeout <= 0 {
		return session.Run(cmd)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		// Closing the session unblocks Run. The goroutine's result is
		// discarded through the buffered channel.
		session.Close()
		return fmt.Errorf("command did not finish within %s", timeout)
	}
}
