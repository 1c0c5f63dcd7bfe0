package modules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/util"
)

// builtinCommands returns the command module definitions shipped with the engine.
func builtinCommands() []Module {
	return []Module{
		rebootCommand(),
		shutdownCommand(),
		logsCommand(),
		systemdServiceCommand("systemd-service-start", "Start", "start"),
		systemdServiceCommand("systemd-service-stop", "Stop", "stop"),
		systemdServiceMaskCommand(),
		packagesUpdateCommand(),
		fileDownloadCommand(),
		fileUploadCommand(),
		dockerRestartCommand(),
	}
}

func rebootCommand() Module {
	return Module{
		ID:       "reboot",
		Kind:     KindCommand,
		Category: "host",
		Display: DisplayOptions{
			Text:  "Reboot",
			Style: StyleIcon,
			Icon:  "refresh",
		},
		UsesSudo:             true,
		RequiresConfirmation: true,
		ConfirmationText:     "Reboot the host?",
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "shutdown -r now", nil
		},
		ParseCommand: exitCodeResult("Reboot requested"),
	}
}

func shutdownCommand() Module {
	return Module{
		ID:       "shutdown",
		Kind:     KindCommand,
		Category: "host",
		Display: DisplayOptions{
			Text:  "Shut down",
			Style: StyleIcon,
			Icon:  "power",
		},
		UsesSudo:             true,
		RequiresConfirmation: true,
		ConfirmationText:     "Shut down the host?",
		BuildCommand: func(_ map[string]string, _ []string, _ DataPoint) (string, error) {
			return "shutdown -h now", nil
		},
		ParseCommand: exitCodeResult("Shutdown requested"),
	}
}

// logsCommand pages journalctl output. The trailing two params select the
// page number (1-based) and page size; earlier params narrow to a unit.
func logsCommand() Module {
	return Module{
		ID:       "logs",
		Kind:     KindCommand,
		Category: "systemd",
		Display: DisplayOptions{
			Text:  "Logs",
			Style: StyleIcon,
			Icon:  "document",
		},
		UsesSudo:     true,
		OpensDetails: true,
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			page, pageSize := 1, 400
			unit := ""
			if len(params) >= 2 {
				p, errP := strconv.Atoi(params[len(params)-2])
				s, errS := strconv.Atoi(params[len(params)-1])
				if errP == nil && errS == nil && p > 0 && s > 0 {
					page, pageSize = p, s
					params = params[:len(params)-2]
				}
			}
			if len(params) > 0 && params[0] != "" {
				if !util.IsUnitName(params[0]) {
					return "", errors.New(errors.ErrValidation,
						fmt.Sprintf("Invalid unit name %q", params[0]),
						"Unit names may only contain letters, digits and -_.@\\")
				}
				unit = params[0]
			}

			command := "journalctl -q --no-pager"
			if unit != "" {
				command += " -u " + util.ShellQuote(unit)
			}
			command += fmt.Sprintf(" -n %d | head -n %d", page*pageSize, pageSize)
			return command, nil
		},
		ParseCommand: func(raw string, exitCode int) (CommandResult, error) {
			if exitCode != 0 {
				return NewErrorResult(fmt.Sprintf("journalctl exited with status %d", exitCode), Error), nil
			}
			return NewCommandResult(raw), nil
		},
	}
}

func systemdServiceCommand(id, verb, action string) Module {
	return Module{
		ID:       id,
		Kind:     KindCommand,
		Category: "systemd",
		Display: DisplayOptions{
			Text:     verb,
			Style:    StyleIcon,
			Icon:     strings.ToLower(verb),
			ParentID: "systemd-services",
		},
		UsesSudo: true,
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			unit, err := unitParam(params)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("systemctl %s %s", action, util.ShellQuote(unit)), nil
		},
		ParseCommand: exitCodeResult(verb + " requested"),
	}
}

func systemdServiceMaskCommand() Module {
	return Module{
		ID:       "systemd-service-mask",
		Kind:     KindCommand,
		Category: "systemd",
		Display: DisplayOptions{
			Text:     "Mask",
			Style:    StyleIcon,
			Icon:     "block",
			ParentID: "systemd-services",
		},
		UsesSudo:             true,
		RequiresConfirmation: true,
		ConfirmationText:     "Mask the service? It can no longer be started until unmasked.",
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			unit, err := unitParam(params)
			if err != nil {
				return "", err
			}
			return "systemctl mask " + util.ShellQuote(unit), nil
		},
		ParseCommand: exitCodeResult("Mask requested"),
	}
}

func packagesUpdateCommand() Module {
	return Module{
		ID:       "linux-packages-update",
		Kind:     KindCommand,
		Category: "packages",
		Display: DisplayOptions{
			Text:  "Update packages",
			Style: StyleIcon,
			Icon:  "update",
		},
		UsesSudo:             true,
		RequiresConfirmation: true,
		ConfirmationText:     "Update all packages?",
		OpensDetails:         true,
		BuildCommand: func(settings map[string]string, _ []string, _ DataPoint) (string, error) {
			switch settings["package_manager"] {
			case "dnf":
				return "dnf -y upgrade", nil
			case "pacman":
				return "pacman -Syu --noconfirm", nil
			default:
				return "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get -y upgrade", nil
			}
		},
		ParseCommand: func(raw string, exitCode int) (CommandResult, error) {
			if exitCode != 0 {
				return NewErrorResult(fmt.Sprintf("Package update failed with status %d", exitCode), Error), nil
			}
			return NewCommandResult(raw), nil
		},
	}
}

func fileDownloadCommand() Module {
	return Module{
		ID:       "file-download",
		Kind:     KindCommand,
		Category: "files",
		Display: DisplayOptions{
			Text:  "Download file",
			Style: StyleIcon,
			Icon:  "download",
		},
		Action: ActionDownload,
		InputSpecs: []InputSpec{
			{Label: "Remote path", Validator: `/\S+`},
		},
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			if len(params) == 0 || params[0] == "" {
				return "", errors.New(errors.ErrValidation, "A remote path is required", "")
			}
			return params[0], nil
		},
		ParseCommand: exitCodeResult("Download complete"),
	}
}

func fileUploadCommand() Module {
	return Module{
		ID:       "file-upload",
		Kind:     KindCommand,
		Category: "files",
		Display: DisplayOptions{
			Text:  "Upload file",
			Style: StyleIcon,
			Icon:  "upload",
		},
		Action: ActionUpload,
		InputSpecs: []InputSpec{
			{Label: "Local path", Validator: `\S+`},
			{Label: "Remote path", Validator: `/\S+`},
		},
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			if len(params) < 2 || params[0] == "" || params[1] == "" {
				return "", errors.New(errors.ErrValidation, "Local and remote paths are required", "")
			}
			return util.ShellJoin(params[:2]...), nil
		},
		ParseCommand: exitCodeResult("Upload complete"),
	}
}

func dockerRestartCommand() Module {
	return Module{
		ID:       "docker-restart",
		Kind:     KindCommand,
		Category: "docker",
		Display: DisplayOptions{
			Text:     "Restart",
			Style:    StyleIcon,
			Icon:     "refresh",
			ParentID: "docker-containers",
		},
		UsesSudo: true,
		BuildCommand: func(_ map[string]string, params []string, _ DataPoint) (string, error) {
			if len(params) == 0 || params[0] == "" {
				return "", errors.New(errors.ErrValidation, "A container name is required", "")
			}
			return "docker restart " + util.ShellQuote(params[0]), nil
		},
		ParseCommand: exitCodeResult("Restart requested"),
	}
}

func unitParam(params []string) (string, error) {
	if len(params) == 0 || params[0] == "" {
		return "", errors.New(errors.ErrValidation, "A unit name is required", "")
	}
	if !util.IsUnitName(params[0]) {
		return "", errors.New(errors.ErrValidation,
			fmt.Sprintf("Invalid unit name %q", params[0]),
			"Unit names may only contain letters, digits and -_.@\\")
	}
	return params[0], nil
}

// exitCodeResult builds a parser that maps the exit code to success or failure
// with a fixed success message.
func exitCodeResult(message string) CommandParseFunc {
	return func(raw string, exitCode int) (CommandResult, error) {
		if exitCode != 0 {
			detail := strings.TrimSpace(raw)
			if detail == "" {
				detail = fmt.Sprintf("Command failed with status %d", exitCode)
			}
			return NewErrorResult(detail, Error), nil
		}
		return NewCommandResult(message), nil
	}
}

// RegisterBuiltins loads every builtin monitor and command into the registry.
func RegisterBuiltins(registry *Registry) error {
	for _, module := range builtinMonitors() {
		if err := registry.Register(module); err != nil {
			return err
		}
	}
	for _, module := range builtinCommands() {
		if err := registry.Register(module); err != nil {
			return err
		}
	}
	return nil
}
