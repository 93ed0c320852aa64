package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/layerdb"

	"github.com/spf13/cobra"
)

var snapshotFile string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect stored workspace snapshots",
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect [address]",
	Short: "Summarize a snapshot by address, or an encoded snapshot file with --file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotInspect,
}

func init() {
	snapshotInspectCmd.Flags().StringVarP(&snapshotFile, "file", "f", "", "encoded snapshot to decode instead of reading the store")
	snapshotCmd.AddCommand(snapshotInspectCmd)
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	var g *graph.Graph
	var err error
	switch {
	case snapshotFile != "":
		data, readErr := os.ReadFile(snapshotFile)
		if readErr != nil {
			return readErr
		}
		g, err = graph.Decode(data)
	case len(args) == 1:
		g, err = readSnapshot(cmd.Context(), args[0])
	default:
		return errors.New("need a snapshot address or --file")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(g.Summary())
}

// readSnapshot goes through a private LayerDb over the durable tier, so the
// integrity checks on read apply.
func readSnapshot(ctx context.Context, raw string) (*graph.Graph, error) {
	address, err := hash.Parse(raw)
	if err != nil {
		return nil, err
	}

	pool, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	durable, err := openDurable(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}
	disk, err := layerdb.OpenDisk(layerdb.InMemoryDiskConfig())
	if err != nil {
		return nil, err
	}
	db, err := layerdb.New(layerDbConfig(cfg, ""), disk, durable, layerdb.NewMemoryBus())
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Shutdown(shutdownCtx)
	}()

	g, ok, err := db.WorkspaceSnapshot.Read(ctx, address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", address)
	}
	return g, nil
}
