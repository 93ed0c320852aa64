package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/rebaser"
	"github.com/OFFIS-RIT/strata/pkg/ident"

	"github.com/spf13/cobra"
)

var (
	rebaseWorkspace string
	rebaseTo        string
	rebaseOnto      string
	rebaseTimeout   time.Duration
)

var rebaseCmd = &cobra.Command{
	Use:   "rebase",
	Short: "Send a rebase request and print the response",
	RunE:  runRebase,
}

func init() {
	f := rebaseCmd.Flags()
	f.StringVar(&rebaseWorkspace, "workspace", rebaser.DefaultWorkspaceID.String(), "workspace id")
	f.StringVar(&rebaseTo, "to", "", "change set to rebase")
	f.StringVar(&rebaseOnto, "onto", "", "change set to rebase onto")
	f.DurationVar(&rebaseTimeout, "timeout", time.Minute, "how long to wait for the response")
	_ = rebaseCmd.MarkFlagRequired("to")
	_ = rebaseCmd.MarkFlagRequired("onto")
}

func runRebase(cmd *cobra.Command, _ []string) error {
	var req rebaser.Request
	var err error
	if req.WorkspaceID, err = ident.Parse(rebaseWorkspace); err != nil {
		return err
	}
	if req.ToRebaseChangeSetID, err = ident.Parse(rebaseTo); err != nil {
		return err
	}
	if req.OntoChangeSetID, err = ident.Parse(rebaseOnto); err != nil {
		return err
	}

	conn, err := openRabbit(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	client, err := rebaser.NewClient(conn, queue.RebaserQueue)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rebaseTimeout)
	defer cancel()
	resp, err := client.Rebase(ctx, req)
	if err != nil && !resp.Failed() {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(resp); encErr != nil {
		return encErr
	}
	return err
}
