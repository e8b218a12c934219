package main

import (
	"context"
	"fmt"
	"os"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/memstore"
	"github.com/netly/fleet/internal/infrastructure/sqlite"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	logLevel    string
	historyPath string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Run commands across a fleet of hosts",
	Long: `fleetctl runs one command on many hosts in parallel, using a YAML
inventory of hosts, groups and credentials. Results are kept in an execution
history that can be a sqlite file or process memory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("history") {
			cfg.History.SQLitePath = historyPath
		}

		logCfg := cfg.Logger
		logCfg.Level = logLevel
		logCfg.OutputPaths = []string{"stderr"}
		log, err = logger.New(logCfg)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and FLEET_* env apply without one)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "sqlite history file, or \"memory\" to keep nothing")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// openHistory returns the sqlite store at cfg.History.SQLitePath, or an
// in-memory store when the path is "memory".
func openHistory(ctx context.Context) (ports.ExecutionRepository, func(), error) {
	path := cfg.History.SQLitePath
	if path == "memory" {
		return memstore.NewExecutionStore(), func() {}, nil
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history %s: %w", path, err)
	}
	return store, func() { _ = store.Close() }, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := err.(exitCode); ok {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCode ends the process with the given status without printing.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}
