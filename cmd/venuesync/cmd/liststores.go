package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListStoresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-stores",
		Short: "List configured stores and their sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("list-stores")
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVENUE\tENABLED\tSTATE\tSKUS")
			for _, s := range a.cfg.Stores {
				stateInfo := "none"
				skus := "-"
				if a.states.Exists(s.ID) {
					state, err := a.states.Load(s.ID)
					if err != nil {
						stateInfo = "unreadable"
					} else {
						stateInfo = "present"
						skus = fmt.Sprintf("%d", len(state))
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\t%s\n",
					s.ID, s.Name, s.VenueID, s.Enabled, stateInfo, skus)
			}
			return w.Flush()
		},
	}
}
