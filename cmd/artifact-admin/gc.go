package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prn-tf/artifact-store/internal/app"
)

var (
	gcCmd = &cobra.Command{
		Use:   "gc",
		Short: "Delete artifacts that are no longer referenced",
		Args:  cobra.NoArgs,
		RunE:  cmdGC,
	}

	refCountsCmd = &cobra.Command{
		Use:   "refcounts",
		Short: "Manage artifact reference counts",
	}

	refCountsResetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Drop every reference count",
		Long: "Drop every reference count. Typegraphs must be redeployed afterwards " +
			"to rebuild the counts, otherwise the next collection has nothing to delete.",
		Args: cobra.NoArgs,
		RunE: cmdRefCountsReset,
	}

	gcFull bool
)

func init() {
	gcCmd.Flags().BoolVar(&gcFull, "full", false, "sweep every stored blob instead of the zero-count set")
}

func cmdGC(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := app.NewArtifactStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.RunArtifactGC(ctx, gcFull)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Collected: %d\nDeleted:   %d\nErrors:    %d\nDuration:  %s\n",
		result.Collected, result.Deleted, result.Errors, result.Duration)
	return nil
}

func cmdRefCountsReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	refCounter, err := app.NewRefCounter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer refCounter.Close()

	if err := refCounter.ResetAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Reference counts reset")
	return nil
}
