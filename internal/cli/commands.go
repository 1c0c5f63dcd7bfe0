package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/state"
)

var (
	hostsJSON       bool
	execCategory    string
	execYes         bool
	execTimeoutFlag time.Duration
	refreshCategory string
)

func init() {
	hostsCmd.Flags().BoolVar(&hostsJSON, "json", false, "output in JSON format")
	execCmd.Flags().BoolVarP(&execYes, "yes", "y", false, "auto-confirm commands that ask for confirmation")
	execCmd.Flags().DurationVar(&execTimeoutFlag, "timeout", 2*time.Minute, "how long to wait for the result")
	refreshCmd.Flags().StringVar(&refreshCategory, "category", "", "refresh only monitors of this category")
	modulesCmd.Flags().StringVar(&execCategory, "category", "", "list only modules of this category")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the initial configuration",
	Long: `Create the configuration directory with a commented starter set of
config.yaml, hosts.yaml, groups.yaml and templates.yaml. Existing files
are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.Dir(configDirFlag)
		if err != nil {
			return err
		}
		if err := config.WriteInitial(dir); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", dir)
		fmt.Println("Edit hosts.yaml to add your hosts, then run: lightkeeper hosts")
		return nil
	},
}

// hostRow is the JSON shape for one host in 'lightkeeper hosts'.
type hostRow struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	OS          string `json:"os,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Criticality string `json:"criticality"`
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Initialize all hosts and show their status",
	Long: `Connect to every configured host, discover its platform, run the
enabled monitors, and print a status summary.

Examples:
  lightkeeper hosts
  lightkeeper hosts --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		sub := app.bus.Subscribe(1024, events.DropOldest)
		defer app.bus.Unsubscribe(sub.ID)

		if err := app.dispatcher.ForceInitializeHosts(); err != nil {
			return err
		}

		hosts := app.dispatcher.Hosts()
		waitForSettled(ctx, sub, len(hosts), 30*time.Second)

		rows := make([]hostRow, 0, len(hosts))
		for _, snap := range app.dispatcher.Hosts() {
			rows = append(rows, hostRow{
				Name:        snap.ID,
				Status:      string(snap.Status),
				OS:          string(snap.Facts.OS),
				Hostname:    snap.Facts.Hostname,
				Criticality: snap.Aggregate.String(),
			})
		}

		if hostsJSON {
			return json.NewEncoder(os.Stdout).Encode(rows)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tSTATUS\tOS\tHOSTNAME\tSTATE")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				row.Name, row.Status, row.OS, row.Hostname, row.Criticality)
		}
		return w.Flush()
	},
}

// waitForSettled consumes events until every host reported initialization
// (or failure), or the deadline passes.
func waitForSettled(ctx context.Context, sub *events.Subscription, hostCount int, timeout time.Duration) {
	deadline := time.After(timeout)
	settled := make(map[string]bool)
	for len(settled) < hostCount {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			switch ev := e.(type) {
			case events.HostInitialized:
				settled[ev.HostID] = true
			case events.HostUnreachable:
				settled[ev.HostID] = true
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
	// Give queued post-init monitors a moment to land in the cache.
	time.Sleep(500 * time.Millisecond)
}

var execCmd = &cobra.Command{
	Use:   "exec <host> <module> [params...]",
	Short: "Run one module on a host and print the result",
	Long: `Execute a monitor or command module against a host and wait for the
result. Commands that require confirmation prompt unless --yes is given.

Examples:
  lightkeeper exec web1 uptime
  lightkeeper exec web1 logs nginx.service 1 200
  lightkeeper exec web1 reboot --yes`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, moduleID := args[0], args[1]
		params := args[2:]

		app, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		sub := app.bus.Subscribe(256, events.Block)
		defer app.bus.Unsubscribe(sub.ID)

		if _, err := app.dispatcher.InitializeHost(hostID); err != nil {
			return err
		}
		if !waitForHost(sub, hostID, execTimeoutFlag) {
			return errors.New(errors.ErrConnection,
				"Host \""+hostID+"\" did not initialize in time", "")
		}

		id, err := app.dispatcher.Execute(hostID, moduleID, params)
		if err != nil {
			return err
		}
		if id == 0 {
			// The engine asked for input fields instead of running.
			params, err = promptInputs(sub, params)
			if err != nil {
				return err
			}
			if id, err = app.dispatcher.Execute(hostID, moduleID, params); err != nil {
				return err
			}
		}

		return awaitResult(app, sub, id, moduleID)
	},
}

// waitForHost blocks until the host reports initialized.
func waitForHost(sub *events.Subscription, hostID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			if ev, matched := e.(events.HostInitialized); matched && ev.HostID == hostID && !ev.FromCache {
				return true
			}
			if ev, matched := e.(events.HostUnreachable); matched && ev.HostID == hostID {
				return false
			}
		case <-deadline:
			return false
		}
	}
}

// awaitResult follows one invocation through confirmation and completion.
func awaitResult(app *app, sub *events.Subscription, id uint64, moduleID string) error {
	deadline := time.After(execTimeoutFlag)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return errors.New(errors.ErrExecution, "Engine shut down mid-invocation", "")
			}
			switch ev := e.(type) {
			case events.VerificationRequested:
				if ev.InvocationID != id {
					continue
				}
				if !execYes && !promptConfirm(ev.Text) {
					app.dispatcher.Cancel(id)
					fmt.Println("Cancelled.")
					return nil
				}
				if err := app.dispatcher.ExecuteConfirmed(id); err != nil {
					return err
				}
			case events.CommandFinished:
				if ev.Result.InvocationID != id {
					continue
				}
				return printResult(ev.Result)
			case events.MonitorData:
				if ev.Point.InvocationID != id {
					continue
				}
				printDataPoint(moduleID, ev.Point, 0)
				return nil
			}
		case <-deadline:
			return errors.New(errors.ErrExecution,
				"Timed out waiting for the result",
				"The invocation keeps running on the host; re-run with a longer --timeout")
		}
	}
}

// promptInputs reads the missing field values announced by an
// input_requested event from the terminal.
func promptInputs(sub *events.Subscription, given []string) ([]string, error) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return nil, errors.New(errors.ErrExecution, "Engine shut down", "")
			}
			req, matched := e.(events.InputRequested)
			if !matched {
				continue
			}
			params := append([]string(nil), given...)
			for i := len(params); i < len(req.Specs); i++ {
				spec := req.Specs[i]
				prompt := spec.Label
				if spec.DefaultValue != "" {
					prompt += " [" + spec.DefaultValue + "]"
				}
				fmt.Printf("%s: ", prompt)
				var value string
				fmt.Scanln(&value)
				if value == "" {
					value = spec.DefaultValue
				}
				params = append(params, value)
			}
			return params, nil
		case <-deadline:
			return nil, errors.New(errors.ErrExecution, "No input request arrived", "")
		}
	}
}

func promptConfirm(text string) bool {
	fmt.Printf("%s [y/N]: ", text)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

func printResult(result modules.CommandResult) error {
	if result.Failed() {
		return errors.New(errors.ErrExecution, result.Error, "")
	}
	fmt.Println(result.Message)
	return nil
}

func printDataPoint(label string, point modules.DataPoint, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	name := point.Label
	if name == "" {
		name = label
	}
	if len(point.Children) == 0 {
		fmt.Printf("%s%s: %s%s (%s)\n", indent, name, point.Value, point.Unit, point.Criticality)
	} else {
		fmt.Printf("%s%s:\n", indent, name)
		for _, child := range point.Children {
			printDataPoint("", child, depth+1)
		}
	}
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <host>",
	Short: "Refresh a host's monitors and print the data",
	Long: `Re-run the enabled monitors on a host and print the collected data
points. Use --category to refresh a subset.

Examples:
  lightkeeper refresh web1
  lightkeeper refresh web1 --category storage`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID := args[0]

		app, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		sub := app.bus.Subscribe(1024, events.DropOldest)
		defer app.bus.Unsubscribe(sub.ID)

		if _, err := app.dispatcher.InitializeHost(hostID); err != nil {
			return err
		}
		if !waitForHost(sub, hostID, 30*time.Second) {
			return errors.New(errors.ErrConnection,
				"Host \""+hostID+"\" did not initialize in time", "")
		}

		if _, err := app.dispatcher.RefreshMonitorsOfCategory(hostID, refreshCategory); err != nil {
			return err
		}

		// Wait until the data stream goes quiet.
		drainUntilQuiet(sub, 3*time.Second)

		snap, ok := snapshotOf(app, hostID)
		if !ok {
			return errors.New(errors.ErrConfig, "Unknown host \""+hostID+"\"", "")
		}
		for monitorID, point := range snap.Monitors {
			printDataPoint(monitorID, point, 0)
		}
		fmt.Printf("\nhost state: %s\n", snap.Aggregate)
		return nil
	},
}

func drainUntilQuiet(sub *events.Subscription, quiet time.Duration) {
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-time.After(quiet):
			return
		}
	}
}

func snapshotOf(app *app, hostID string) (state.HostState, bool) {
	for _, snap := range app.dispatcher.Hosts() {
		if snap.ID == hostID {
			return snap, true
		}
	}
	return state.HostState{}, false
}

var modulesCmd = &cobra.Command{
	Use:   "modules <host>",
	Short: "List the commands available on a host",
	Long: `Show the command modules enabled for a host, with their category and
whether they ask for confirmation.

Examples:
  lightkeeper modules web1
  lightkeeper modules web1 --category systemd`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		commands, err := app.dispatcher.GetCommands(args[0], execCategory)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMMAND\tCATEGORY\tCONFIRM\tDETAILS")
		for _, m := range commands {
			confirm := ""
			if m.RequiresConfirmation {
				confirm = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Category, confirm, m.Display.Text)
		}
		return w.Flush()
	},
}
