package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/model"
)

func newBootstrapCmd() *cobra.Command {
	var (
		storeID int
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Capture the current SoT snapshot as the stored view without touching the marketplace",
		Long: `bootstrap records the current source-of-truth snapshot as the last
pushed view. The next delta run then sends only what changed since the
snapshot. Use it when the marketplace is already in sync out of band.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("bootstrap")
			if err != nil {
				return err
			}

			var stores []model.Store
			switch {
			case all:
				stores = a.cfg.EnabledStores()
			case storeID != 0:
				store, ok := a.cfg.Store(storeID)
				if !ok {
					return fmt.Errorf("unknown store id %d", storeID)
				}
				stores = []model.Store{store}
			default:
				return fmt.Errorf("either --store or --all is required")
			}

			var failed int
			for _, store := range stores {
				res := a.eng.Run(cmd.Context(), store, engine.Options{Mode: model.ModeBootstrap})
				if res.Status == model.StatusError {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "store %d: FAILED: %s\n", store.ID, res.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "store %d: captured %d SKUs\n", store.ID, res.SKUs)
			}
			if failed > 0 {
				return fmt.Errorf("bootstrap failed for %d of %d stores", failed, len(stores))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id to bootstrap")
	cmd.Flags().BoolVar(&all, "all", false, "bootstrap every enabled store")
	return cmd
}
