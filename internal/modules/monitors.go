package modules

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// builtinMonitors returns the monitor module definitions shipped with the engine.
func builtinMonitors() []Module {
	return []Module{
		uptimeMonitor(),
		loadMonitor(),
		memoryMonitor(),
		filesystemMonitor(),
		systemdServicesMonitor(),
		dockerContainersMonitor(),
		osInfoMonitor(),
	}
}

func linuxOnly(facts platform.Facts) bool {
	return facts.OS == platform.OSLinux
}

func needsSystemd(facts platform.Facts) bool {
	return facts.OS == platform.OSLinux && facts.HasSubsystem("systemd")
}

func needsDocker(facts platform.Facts) bool {
	return facts.HasSubsystem("docker")
}

func uptimeMonitor() Module {
	return Module{
		ID:       "uptime",
		Kind:     KindMonitor,
		Category: "host",
		Display: DisplayOptions{
			Text:  "Uptime",
			Unit:  "d",
			Style: StyleText,
		},
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "uptime -s", nil
		},
		ParseMonitor: func(_ map[string]string, raw string) (DataPoint, error) {
			bootTime, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(raw))
			if err != nil {
				return DataPoint{}, parseError("uptime", raw, err)
			}
			days := int(time.Since(bootTime).Hours() / 24)
			return NewDataPoint(strconv.Itoa(days)), nil
		},
	}
}

func loadMonitor() Module {
	return Module{
		ID:       "load",
		Kind:     KindMonitor,
		Category: "host",
		Display: DisplayOptions{
			Text:  "Load",
			Style: StyleText,
		},
		Platforms: linuxOnly,
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "cat /proc/loadavg", nil
		},
		ParseMonitor: func(settings map[string]string, raw string) (DataPoint, error) {
			fields := strings.Fields(strings.TrimSpace(raw))
			if len(fields) < 3 {
				return DataPoint{}, parseError("load", raw, nil)
			}
			load1, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return DataPoint{}, parseError("load", raw, err)
			}

			point := NewDataPoint(strings.Join(fields[:3], " "))
			point.Criticality = thresholdCriticality(load1,
				settingFloat(settings, "warning_threshold", 5),
				settingFloat(settings, "error_threshold", 10))
			return point, nil
		},
	}
}

func memoryMonitor() Module {
	return Module{
		ID:       "memory",
		Kind:     KindMonitor,
		Category: "host",
		Display: DisplayOptions{
			Text:  "Memory",
			Unit:  "%",
			Style: StyleProgressBar,
		},
		Platforms: linuxOnly,
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "cat /proc/meminfo", nil
		},
		ParseMonitor: func(settings map[string]string, raw string) (DataPoint, error) {
			var memTotal, memAvailable int64
			scanner := bufio.NewScanner(strings.NewReader(raw))
			for scanner.Scan() {
				fields := strings.Fields(scanner.Text())
				if len(fields) < 2 {
					continue
				}
				value, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					continue
				}
				switch strings.TrimSuffix(fields[0], ":") {
				case "MemTotal":
					memTotal = value
				case "MemAvailable":
					memAvailable = value
				}
			}
			if memTotal == 0 {
				return DataPoint{}, parseError("memory", raw, nil)
			}

			usedPercent := float64(memTotal-memAvailable) / float64(memTotal) * 100
			point := NewDataPoint(strconv.FormatFloat(usedPercent, 'f', 0, 64))
			point.Unit = "%"
			point.Criticality = thresholdCriticality(usedPercent,
				settingFloat(settings, "warning_threshold", 80),
				settingFloat(settings, "error_threshold", 95))
			return point, nil
		},
	}
}

func filesystemMonitor() Module {
	return Module{
		ID:       "filesystem",
		Kind:     KindMonitor,
		Category: "storage",
		Display: DisplayOptions{
			Text:       "Filesystems",
			Unit:       "%",
			Style:      StyleProgressBar,
			Multivalue: true,
		},
		Platforms: linuxOnly,
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "df -P -x tmpfs -x devtmpfs -x overlay", nil
		},
		ParseMonitor: func(settings map[string]string, raw string) (DataPoint, error) {
			lines := strings.Split(strings.TrimSpace(raw), "\n")
			if len(lines) < 2 {
				return DataPoint{}, parseError("filesystem", raw, nil)
			}

			warning := settingFloat(settings, "warning_threshold", 80)
			errorLevel := settingFloat(settings, "error_threshold", 95)

			parent := NewDataPoint("")
			for _, line := range lines[1:] {
				fields := strings.Fields(line)
				if len(fields) < 6 {
					continue
				}
				usedPercent, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
				if err != nil {
					continue
				}
				mountPoint := fields[5]

				child := LabeledDataPoint(mountPoint, fields[4], thresholdCriticality(usedPercent, warning, errorLevel))
				child.Unit = "%"
				child.Description = fields[0]
				child.CommandParams = []string{mountPoint}
				parent.Children = append(parent.Children, child)
			}
			if len(parent.Children) == 0 {
				return DataPoint{}, parseError("filesystem", raw, nil)
			}
			return parent, nil
		},
	}
}

func systemdServicesMonitor() Module {
	return Module{
		ID:       "systemd-services",
		Kind:     KindMonitor,
		Category: "systemd",
		Display: DisplayOptions{
			Text:       "Services",
			Style:      StyleCriticalityLevel,
			Multivalue: true,
		},
		Platforms: needsSystemd,
		BuildCommand: func(settings map[string]string, _ []string, _ DataPoint) (string, error) {
			command := "systemctl list-units --type=service --all --no-legend --plain"
			if pattern := settings["include_pattern"]; pattern != "" {
				command += " " + pattern
			}
			return command, nil
		},
		ParseMonitor: func(_ map[string]string, raw string) (DataPoint, error) {
			parent := NewDataPoint("")
			scanner := bufio.NewScanner(strings.NewReader(raw))
			for scanner.Scan() {
				fields := strings.Fields(scanner.Text())
				if len(fields) < 4 {
					continue
				}
				unit, active, sub := fields[0], fields[2], fields[3]

				criticality := Normal
				switch active {
				case "failed":
					criticality = Error
				case "inactive":
					criticality = Warning
				}

				child := LabeledDataPoint(strings.TrimSuffix(unit, ".service"), sub, criticality)
				child.CommandParams = []string{unit}
				parent.Children = append(parent.Children, child)
			}
			return parent, nil
		},
	}
}

func dockerContainersMonitor() Module {
	return Module{
		ID:       "docker-containers",
		Kind:     KindMonitor,
		Category: "docker",
		Display: DisplayOptions{
			Text:       "Containers",
			Style:      StyleCriticalityLevel,
			Multivalue: true,
		},
		Platforms: needsDocker,
		UsesSudo:  true,
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return `docker ps -a --format '{{.Names}}\t{{.State}}\t{{.Status}}\t{{.Image}}'`, nil
		},
		ParseMonitor: func(_ map[string]string, raw string) (DataPoint, error) {
			parent := NewDataPoint("")
			scanner := bufio.NewScanner(strings.NewReader(raw))
			for scanner.Scan() {
				line := scanner.Text()
				if strings.TrimSpace(line) == "" {
					continue
				}
				fields := strings.SplitN(line, "\t", 4)
				if len(fields) < 4 {
					return DataPoint{}, parseError("docker-containers", raw, nil)
				}
				name, state, status, image := fields[0], fields[1], fields[2], fields[3]

				criticality := Normal
				switch state {
				case "exited", "dead":
					criticality = Error
				case "paused", "restarting":
					criticality = Warning
				}

				child := LabeledDataPoint(name, status, criticality)
				child.Description = image
				child.CommandParams = []string{name}
				parent.Children = append(parent.Children, child)
			}
			return parent, nil
		},
	}
}

func osInfoMonitor() Module {
	return Module{
		ID:       "os-info",
		Kind:     KindMonitor,
		Category: "host",
		Display: DisplayOptions{
			Text:  "OS",
			Style: StyleText,
		},
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return `uname -sr`, nil
		},
		ParseMonitor: func(_ map[string]string, raw string) (DataPoint, error) {
			value := strings.TrimSpace(raw)
			if value == "" {
				return DataPoint{}, parseError("os-info", raw, nil)
			}
			return NewDataPoint(value), nil
		},
	}
}

// thresholdCriticality grades a value against warning and error thresholds.
func thresholdCriticality(value, warning, errorLevel float64) Criticality {
	switch {
	case value >= errorLevel:
		return Error
	case value >= warning:
		return Warning
	default:
		return Normal
	}
}

// settingFloat reads a float module setting, falling back to a default.
func settingFloat(settings map[string]string, key string, fallback float64) float64 {
	raw, ok := settings[key]
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

// parseError builds the structured error surfaced as a NoData result.
func parseError(moduleID, raw string, cause error) error {
	preview := strings.TrimSpace(raw)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	return errors.WrapWithCode(cause, errors.ErrParse,
		fmt.Sprintf("Module %q could not parse remote output: %q", moduleID, preview),
		"The remote command output did not match the expected shape")
}
