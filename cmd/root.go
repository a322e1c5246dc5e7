// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/config"
)

const defaultConfigFile = "config.yml"

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dmgmeter",
	Short: "dmgmeter - passive combat meter for game traffic",
	Long: `dmgmeter watches the game's TCP traffic without touching it, locks onto the
game server connection, reassembles the server stream into frames and turns the
decoded combat events into per-player damage, healing and buff statistics.

Statistics are served on a local HTTP API with a websocket live feed, archived
per session under the data directory, and optionally exported to Kafka.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"config file path (optional unless given explicitly)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(buffsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the global config. The default file may be missing, an
// explicitly passed one may not.
func loadConfig(cmd *cobra.Command) (*config.GlobalConfig, error) {
	explicit := cmd.Flags().Changed("config")
	return config.Load(configFile, !explicit)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
