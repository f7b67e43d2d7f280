package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelier-notes/atelier/internal/config"
	"github.com/atelier-notes/atelier/internal/engine"
	"github.com/atelier-notes/atelier/internal/store"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay pending saves against the document store",
	Long: `Replay queued save operations in order against the document store.

Saves that failed while a previous process was running are journaled in the
database and drained here in enqueue order. Replay stops at the first save
the store still cannot accept; conflicting saves are reconciled against the
store's current version and dropped.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	docs, err := store.Open(cfg.ResolveStorePath())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer docs.Close()

	e := engine.New(engine.Config{
		Cap:               cfg.Engine.ResidencyCap,
		DegradedThreshold: cfg.Engine.DegradedThreshold,
		SharedWorkspaceID: cfg.Engine.SharedWorkspaceID,
	}, docs, nil, nil)

	replayed, err := e.ReplayPending(context.Background())
	if err != nil {
		return fmt.Errorf("replayed %d saves before failing: %w", replayed, err)
	}

	fmt.Printf("Replayed %d pending saves\n", replayed)
	return nil
}
