// Package sshutil wraps golang.org/x/crypto/ssh with host-config driven
// dialing, command execution, and SFTP file transfer. Connection settings
// come from the caller's resolved host configuration; ~/.ssh/config fills
// any gaps (hostname aliases, identity files).
package sshutil

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/GitHangar/lightkeeper/internal/errors"
)

// DialOptions carry the connection settings resolved from host config.
// Zero values fall back to ~/.ssh/config and then to defaults.
type DialOptions struct {
	Port         uint16
	User         string
	IdentityFile string
	Timeout      time.Duration

	// VerifyHostKey toggles known_hosts verification. Defaults on; turn
	// off only for throwaway environments.
	VerifyHostKey bool
}

// DefaultDialOptions returns the options used when a host config sets nothing.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:       15 * time.Second,
		VerifyHostKey: true,
	}
}

// Client is an established SSH connection to one host.
type Client struct {
	*ssh.Client
	host    string
	address string
}

// Dial connects to host using opts, consulting ~/.ssh/config for anything
// the options leave unset.
func Dial(host string, opts DialOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialOptions().Timeout
	}
	settings := resolveSettings(host, opts)

	config, err := clientConfig(settings, opts)
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(settings.hostname, settings.port)
	conn, err := net.DialTimeout("tcp", address, opts.Timeout)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConnection,
			fmt.Sprintf("Cannot reach %q at %s", host, address),
			dialSuggestion(err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		var keyErr *knownhosts.KeyError
		if stderrors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return nil, errors.WrapWithCode(err, errors.ErrConnection,
				fmt.Sprintf("Host key mismatch for %q", host),
				"Update known_hosts: ssh-keygen -R "+settings.hostname)
		}
		return nil, errors.WrapWithCode(err, errors.ErrConnection,
			fmt.Sprintf("SSH handshake with %q failed", host),
			handshakeSuggestion(err))
	}

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		host:    host,
		address: address,
	}, nil
}

// Host returns the configured host name or address.
func (c *Client) Host() string { return c.host }

// Address returns the dialed host:port.
func (c *Client) Address() string { return c.address }

// Close shuts the underlying connection.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// IsAlive probes the connection with a lightweight global request.
func (c *Client) IsAlive() bool {
	if c.Client == nil {
		return false
	}
	_, _, err := c.Client.SendRequest("keepalive@lightkeeper", true, nil)
	return err == nil
}

type settings struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

// resolveSettings overlays explicit options onto ~/.ssh/config values.
func resolveSettings(host string, opts DialOptions) settings {
	s := settings{
		hostname: host,
		port:     "22",
		user:     currentUser(),
	}

	if cfg := userSSHConfig(); cfg != nil {
		if hostname, _ := cfg.Get(host, "HostName"); hostname != "" {
			s.hostname = hostname
		}
		if port, _ := cfg.Get(host, "Port"); port != "" {
			s.port = port
		}
		if user, _ := cfg.Get(host, "User"); user != "" {
			s.user = user
		}
		if identity, _ := cfg.Get(host, "IdentityFile"); identity != "" {
			s.identityFile = expandHome(identity)
		}
	}

	// Explicit host config always wins over ~/.ssh/config.
	if opts.Port != 0 {
		s.port = strconv.Itoa(int(opts.Port))
	}
	if opts.User != "" {
		s.user = opts.User
	}
	if opts.IdentityFile != "" {
		s.identityFile = expandHome(opts.IdentityFile)
	}
	return s
}

var (
	sshConfigOnce sync.Once
	sshConfig     *ssh_config.Config
)

func userSSHConfig() *ssh_config.Config {
	sshConfigOnce.Do(func() {
		path := filepath.Join(homeDir(), ".ssh", "config")
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		if cfg, err := ssh_config.Decode(f); err == nil {
			sshConfig = cfg
		}
	})
	return sshConfig
}

func clientConfig(s settings, opts DialOptions) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	keyPaths := []string{}
	if s.identityFile != "" {
		keyPaths = append(keyPaths, s.identityFile)
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(homeDir(), ".ssh", name)
		if path != s.identityFile {
			keyPaths = append(keyPaths, path)
		}
	}
	for _, path := range keyPaths {
		if auth, err := keyFileAuth(path); err == nil {
			authMethods = append(authMethods, auth)
		}
	}

	if len(authMethods) == 0 {
		return nil, errors.New(errors.ErrConnection,
			"No SSH auth methods available",
			"Load a key into the agent (ssh-add) or set an identity file for the host")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // verification explicitly disabled
	if opts.VerifyHostKey {
		var err error
		hostKeyCallback, err = knownHostsCallback()
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConnection,
				"Failed to load known_hosts",
				"Check ~/.ssh/known_hosts is readable")
		}
	}

	return &ssh.ClientConfig{
		User:            s.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, nil
}

var (
	agentOnce   sync.Once
	agentClient agent.ExtendedAgent
)

// sshAgentAuth returns agent-backed auth when the agent is up and has keys.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	agentOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentClient = agent.NewClient(conn)
	})
	if agentClient == nil {
		return nil
	}
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(agentClient.Signers)
}

func keyFileAuth(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := filepath.Join(homeDir(), ".ssh", "known_hosts")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, err
		}
	}
	return knownhosts.New(path)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func dialSuggestion(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "Is SSH running on that host? Try: ssh <host>"
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"):
		return "Cannot route to the host. Check your network connection."
	case strings.Contains(msg, "timeout"):
		return "Connection timed out. Host might be offline or firewalled."
	}
	return "Make sure the host is reachable: ping <host>"
}

func handshakeSuggestion(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods") {
		return "Auth failed. Check your keys are loaded: ssh-add -l"
	}
	if strings.Contains(msg, "host key") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Try connecting manually to diagnose: ssh <host>"
}
