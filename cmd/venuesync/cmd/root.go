// Package cmd hosts the venuesync CLI: the long-running service and the
// one-shot operator commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/venuesync/venuesync/config"
)

var version = "1.0.0"

// NewRootCmd creates the venuesync root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "venuesync",
		Short:   "One-way ERP to marketplace catalog and inventory synchronizer",
		Version: version,
		Long: `venuesync pulls full inventory snapshots from the upstream ERP,
diffs them against the last pushed view and sends minimal change sets
to the marketplace, respecting its aggressive rate limits.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config/config.yaml", "path to configuration file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("VENUESYNC")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newBootstrapCmd(),
		newHybridInitCmd(),
		newListStoresCmd(),
	)
	return rootCmd
}

// loadConfig loads and validates the configuration named by the --config
// flag (or the VENUESYNC_CONFIG environment variable).
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
