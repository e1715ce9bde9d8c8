package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/model"
)

func newSyncCmd() *cobra.Command {
	var (
		storeID   int
		dryRun    bool
		limit     int
		forceFull bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync for one store and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("sync")
			if err != nil {
				return err
			}
			store, ok := a.cfg.Store(storeID)
			if !ok {
				return fmt.Errorf("unknown store id %d", storeID)
			}

			mode := model.ModeDelta
			if forceFull {
				mode = model.ModeForceFull
			}
			res := a.eng.Run(cmd.Context(), store, engine.Options{
				Mode:   mode,
				Limit:  limit,
				DryRun: dryRun,
			})

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if res.Status == model.StatusError {
				return fmt.Errorf("sync failed: %s", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id to sync")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the change set without pushing")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of pushed changes (state is not finalized)")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "push every SKU regardless of the stored view")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}
