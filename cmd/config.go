package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check or print the effective configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file with defaults and DMGMETER_ environment overrides
applied, and report whether it is valid.

Examples:
  dmgmeter config validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		printValid(os.Stdout, cfg)
	},
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runConfigDump(cfg, os.Stdout); err != nil {
			exitWithError("failed to dump config", err)
		}
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDumpCmd)
}

func printValid(out io.Writer, cfg *config.GlobalConfig) {
	fmt.Fprintf(out, "VALID: source %s, decoder %q, data dir %s, api %s\n",
		cfg.Capture.Source, cfg.Decoder.Name, cfg.DataDir, apiState(cfg))
}

func apiState(cfg *config.GlobalConfig) string {
	if !cfg.API.Enabled {
		return "disabled"
	}
	return cfg.API.Listen
}

func runConfigDump(cfg *config.GlobalConfig, out io.Writer) error {
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
