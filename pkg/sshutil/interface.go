package sshutil

import "time"

// SSHClient is the surface the engine's connector layer depends on. Both the
// real Client and test fakes satisfy it, so connector code can be exercised
// without network access.
type SSHClient interface {
	// Exec runs a command and returns stdout, stderr and exit code.
	// Exit code -1 means the command could not be started at all. A
	// positive timeout bounds the execution; zero waits indefinitely.
	Exec(cmd string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error)

	// Download copies a remote file to a local path over SFTP.
	Download(remotePath, localPath string) error

	// Upload copies a local file to a remote path over SFTP.
	Upload(localPath, remotePath string) error

	// IsAlive probes whether the connection is still usable.
	IsAlive() bool

	// Close shuts down the connection.
	Close() error
}

var _ SSHClient = (*Client)(nil)
