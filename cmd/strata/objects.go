package main

import (
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/logger"

	"github.com/spf13/cobra"
)

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "Inspect values offloaded to object storage",
}

var objectsListCmd = &cobra.Command{
	Use:   "ls [hash-prefix]",
	Short: "List offloaded object keys, optionally only those starting with a hash prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openObjectStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		prefix := ""
		if cfg.LayerDb.ObjectPrefix != "" {
			prefix = cfg.LayerDb.ObjectPrefix + "/"
		}
		if len(args) == 1 {
			prefix += args[0]
		}
		keys, err := store.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

// Offloaded objects are keyed by content, so removing one only matters for
// rows already deleted from the durable tables.
var objectsRemoveCmd = &cobra.Command{
	Use:   "rm key...",
	Short: "Delete orphaned objects by key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openObjectStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		for _, k := range args {
			if err := store.Delete(cmd.Context(), k); err != nil {
				return err
			}
			logger.Info("Deleted object", "key", k)
		}
		return nil
	},
}

func init() {
	objectsCmd.AddCommand(objectsListCmd, objectsRemoveCmd)
}
