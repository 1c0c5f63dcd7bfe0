// Package cli implements the lightkeeper command line interface.
package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/connector"
	"github.com/GitHangar/lightkeeper/internal/engine"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/state"
)

var (
	configDirFlag string

	versionString = "dev"
	commitString  = "none"
)

// SetVersionInfo is called from main with ldflags-injected build info.
func SetVersionInfo(version, commit string) {
	versionString = version
	commitString = commit
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

var rootCmd = &cobra.Command{
	Use:   "lightkeeper",
	Short: "Agentless host monitoring and command execution over SSH",
	Long: `lightkeeper keeps an eye on a fleet of hosts without installing agents.
It connects over SSH, runs monitor modules to collect state, and exposes
command modules for one-shot operations like restarting services or
fetching logs.

Configuration lives in ~/.config/lightkeeper (config.yaml, hosts.yaml,
groups.yaml, templates.yaml). Run 'lightkeeper init' to create it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config-dir", "",
		"configuration directory (default ~/.config/lightkeeper)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(modulesCmd)
}

// Execute runs the CLI and prints structured errors with suggestions.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var lkErr *errors.Error
		if stderrors.As(err, &lkErr) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", lkErr.Message)
			if lkErr.Suggestion != "" {
				fmt.Fprintf(os.Stderr, "\n%s\n", lkErr.Suggestion)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// app bundles everything a CLI command needs to talk to the engine.
type app struct {
	store      *config.Store
	dispatcher *engine.Dispatcher
	bus        *events.Bus
	dbStore    *state.Store
	log        logger.Logger
}

// buildApp wires the full engine from the configuration directory.
func buildApp(ctx context.Context) (*app, error) {
	log := logger.NewEnvLogger("[lightkeeper]")

	dir, err := config.Dir(configDirFlag)
	if err != nil {
		return nil, err
	}
	store, err := config.NewStore(dir, log)
	if err != nil {
		return nil, err
	}
	cfg := store.Current()

	registry := modules.NewRegistry()
	if err := modules.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	var dbStore *state.Store
	if cfg.Main.Cache.Enabled {
		path := cfg.Main.Cache.Path
		if path == "" {
			path = filepath.Join(dir, "cache.db")
		}
		dbStore, err = state.OpenStore(ctx, path)
		if err != nil {
			log.Warn("cache store unavailable, continuing without persistence: %v", err)
			dbStore = nil
		} else if err := dbStore.Prune(ctx, cfg.Main.Cache.TTL); err != nil {
			log.Warn("cache prune failed: %v", err)
		}
	}

	connectors := connector.NewRegistry(log)
	if err := connectors.Register(connector.NewSSHConnector(cfg.Main.Preferences.ConnectionTimeout)); err != nil {
		return nil, err
	}

	bus := events.NewBus(log)
	cache := state.NewCache(dbStore, log)

	dispatcher, err := engine.NewDispatcher(engine.Options{
		Store:      store,
		Modules:    registry,
		Connectors: connectors,
		Cache:      cache,
		Tracker:    state.NewTracker(bus),
		Bus:        bus,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		dbStore:    dbStore,
		log:        log,
	}, nil
}

// close tears the engine down in dependency order.
func (a *app) close() {
	a.dispatcher.Stop()
	a.bus.Close()
	if a.dbStore != nil {
		a.dbStore.Close()
	}
}
