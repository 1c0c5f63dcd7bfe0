package connector

import (
	"time"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/pkg/sshutil"
)

// SSHConnector establishes sessions over SSH using the host's resolved
// address, port and user, with ~/.ssh/config filling the gaps.
type SSHConnector struct {
	// Timeout bounds each connection attempt.
	Timeout time.Duration
}

// NewSSHConnector creates the default SSH connector.
func NewSSHConnector(timeout time.Duration) *SSHConnector {
	return &SSHConnector{Timeout: timeout}
}

func (c *SSHConnector) Type() string { return "ssh" }

// Connect dials the host. Connector settings may override the identity file
// ("identity_file") and host key verification ("verify_host_key": "false").
func (c *SSHConnector) Connect(host config.Effective, settings map[string]string) (Session, error) {
	opts := sshutil.DefaultDialOptions()
	opts.Port = host.Port
	opts.User = host.User
	if c.Timeout > 0 {
		opts.Timeout = c.Timeout
	}
	if identity := settings["identity_file"]; identity != "" {
		opts.IdentityFile = identity
	}
	if settings["verify_host_key"] == "false" {
		opts.VerifyHostKey = false
	}

	target := host.Address
	if host.FQDN != "" {
		target = host.FQDN
	}

	client, err := sshutil.Dial(target, opts)
	if err != nil {
		return nil, err
	}
	return &sshSession{client: client}, nil
}

// sshSession adapts an sshutil client to the Session interface.
type sshSession struct {
	client sshutil.SSHClient
}

func (s *sshSession) Execute(cmd string, timeout time.Duration) (Output, error) {
	stdout, stderr, exitCode, err := s.client.Exec(cmd, timeout)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: exitCode,
	}, nil
}

func (s *sshSession) Download(remotePath, localPath string) error {
	return s.client.Download(remotePath, localPath)
}

func (s *sshSession) Upload(localPath, remotePath string) error {
	return s.client.Upload(localPath, remotePath)
}

func (s *sshSession) IsAlive() bool { return s.client.IsAlive() }

func (s *sshSession) Close() error { return s.client.Close() }
