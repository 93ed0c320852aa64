package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/strata/internal/config"
	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/logger/console"

	"github.com/spf13/cobra"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "strata",
	Short:         "Workspace snapshot storage and rebase service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		util.LoadEnv()
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
			Debug:  cfg.Debug,
			Format: cfg.LogFormat,
		}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebaserCmd, migrateCmd, snapshotCmd, rebaseCmd, objectsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Fatal("Command failed", "err", err)
	}
}
