package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/venuesync/venuesync/internal/hybrid"
)

func newHybridInitCmd() *cobra.Command {
	var storeID int
	cmd := &cobra.Command{
		Use:   "hybrid-init",
		Short: "Initialize a store: bootstrap the view, then push the highest priority SKUs",
		Long: `hybrid-init prepares a store that has never been synced. It captures
the SoT snapshot as the stored view, probes the marketplace for items
that already exist, then pushes the top priority SKUs immediately. The
long tail is left for the background worker of the serve process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("hybrid-init")
			if err != nil {
				return err
			}
			store, ok := a.cfg.Store(storeID)
			if !ok {
				return fmt.Errorf("unknown store id %d", storeID)
			}

			orch := hybrid.New(hybrid.Params{
				Engine:  a.eng,
				Market:  a.market,
				States:  a.states,
				Weights: a.priorityWeights(),
				TopN:    a.cfg.Priority.TopN,
				Log:     a.log,
			})
			res, err := orch.Init(cmd.Context(), store)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id to initialize")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}
