package sshutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveSettingsExplicitWins(t *testing.T) {
	opts := DialOptions{
		Port: 2222,
		User: "ops",
	}
	s := resolveSettings("10.0.0.9", opts)

	assert.Equal(t, "10.0.0.9", s.hostname)
	assert.Equal(t, "2222", s.port)
	assert.Equal(t, "ops", s.user)
}

func TestResolveSettingsDefaults(t *testing.T) {
	s := resolveSettings("somewhere.invalid", DialOptions{})

	assert.Equal(t, "somewhere.invalid", s.hostname)
	assert.Equal(t, "22", s.port)
	assert.NotEmpty(t, s.user)
}

func TestDefaultDialOptions(t *testing.T) {
	opts := DefaultDialOptions()
	assert.Equal(t, 15*time.Second, opts.Timeout)
	assert.True(t, opts.VerifyHostKey)
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/absolute/key", expandHome("/absolute/key"))
	expanded := expandHome("~/.ssh/id_ed25519")
	assert.NotContains(t, expanded, "~")
}

func TestDialSuggestion(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"dial tcp: connection refused", "Is SSH running"},
		{"dial tcp: no route to host", "Cannot route"},
		{"dial tcp: i/o timeout", "timed out"},
		{"something else entirely", "reachable"},
	}
	for _, tt := range tests {
		assert.Contains(t, dialSuggestion(errors.New(tt.err)), tt.want, tt.err)
	}
}

func TestHandshakeSuggestion(t *testing.T) {
	assert.Contains(t, handshakeSuggestion(errors.New("ssh: unable to authenticate")), "ssh-add")
	assert.Contains(t, handshakeSuggestion(errors.New("ssh: host key error")), "manually")
}
