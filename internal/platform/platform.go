// Package platform discovers and represents remote host facts: operating
// system family, distribution flavor, and available subsystems. Module
// applicability predicates are evaluated against these facts.
package platform

import (
	"strings"
)

// OS identifies the operating system family of a remote host.
type OS string

const (
	OSUnknown OS = ""
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
	OSBSD     OS = "bsd"
)

// Facts holds everything discovered about a remote host during initialization.
type Facts struct {
	Hostname string
	OS       OS
	// Flavor is the distribution id from os-release (debian, ubuntu, fedora, nixos...).
	Flavor  string
	Version string
	Kernel  string
	// Subsystems detected on the host, by probe name (systemd, docker, sudo).
	Subsystems map[string]bool
}

// HasSubsystem reports whether the named subsystem was detected.
func (f Facts) HasSubsystem(name string) bool {
	return f.Subsystems[name]
}

// Known reports whether the OS family has been discovered.
func (f Facts) Known() bool {
	return f.OS != OSUnknown
}

// DetectCommand returns the remote command used to discover host facts.
// The markers keep parsing stable even when individual probes print nothing.
func DetectCommand() string {
	return `uname -s; uname -r; hostname; ` +
		`cat /etc/os-release 2>/dev/null; ` +
		`command -v systemctl >/dev/null 2>&1 && echo HAS:systemd; ` +
		`command -v docker >/dev/null 2>&1 && echo HAS:docker; ` +
		`command -v sudo >/dev/null 2>&1 && echo HAS:sudo`
}

// ParseDetectOutput parses the output of DetectCommand into Facts.
// Missing probes degrade to unknown values rather than failing.
func ParseDetectOutput(raw string) Facts {
	facts := Facts{
		Subsystems: make(map[string]bool),
	}

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	fixed := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case fixed == 0:
			facts.OS = parseOS(line)
			fixed++
		case fixed == 1:
			facts.Kernel = line
			fixed++
		case fixed == 2:
			facts.Hostname = line
			fixed++
		case strings.HasPrefix(line, "HAS:"):
			facts.Subsystems[strings.TrimPrefix(line, "HAS:")] = true
		case strings.HasPrefix(line, "ID="):
			facts.Flavor = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "VERSION_ID="):
			facts.Version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}

	return facts
}

func parseOS(uname string) OS {
	switch strings.ToLower(uname) {
	case "linux":
		return OSLinux
	case "darwin":
		return OSDarwin
	case "freebsd", "openbsd", "netbsd":
		return OSBSD
	default:
		return OSUnknown
	}
}
