package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDetectOutput(t *testing.T) {
	raw := `Linux
6.1.0-18-amd64
web-01
PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
NAME="Debian GNU/Linux"
ID=debian
VERSION_ID="12"
HAS:systemd
HAS:sudo
`

	facts := ParseDetectOutput(raw)

	assert.Equal(t, OSLinux, facts.OS)
	assert.Equal(t, "6.1.0-18-amd64", facts.Kernel)
	assert.Equal(t, "web-01", facts.Hostname)
	assert.Equal(t, "debian", facts.Flavor)
	assert.Equal(t, "12", facts.Version)
	assert.True(t, facts.HasSubsystem("systemd"))
	assert.True(t, facts.HasSubsystem("sudo"))
	assert.False(t, facts.HasSubsystem("docker"))
	assert.True(t, facts.Known())
}

func TestParseDetectOutput_Minimal(t *testing.T) {
	// A host without os-release or any subsystem probes.
	facts := ParseDetectOutput("Darwin\n23.1.0\nmini.local\n")

	assert.Equal(t, OSDarwin, facts.OS)
	assert.Equal(t, "mini.local", facts.Hostname)
	assert.Empty(t, facts.Flavor)
	assert.False(t, facts.HasSubsystem("systemd"))
}

func TestParseDetectOutput_Empty(t *testing.T) {
	facts := ParseDetectOutput("")

	assert.False(t, facts.Known())
	assert.Equal(t, OSUnknown, facts.OS)
}

func TestParseOS(t *testing.T) {
	tests := []struct {
		uname string
		want  OS
	}{
		{"Linux", OSLinux},
		{"Darwin", OSDarwin},
		{"FreeBSD", OSBSD},
		{"SunOS", OSUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseOS(tt.uname), "uname %q", tt.uname)
	}
}
