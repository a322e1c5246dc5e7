package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/config"
	"firestige.xyz/dmgmeter/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the meter in the foreground",
	Long: `Run the meter in the foreground until SIGINT/SIGTERM.

The meter will:
  1. Load configuration (defaults apply when config.yml is absent)
  2. Initialize logging and write the PID file
  3. Load skill and buff tables and the identity cache
  4. Open the capture source and start the engine
  5. Serve the HTTP API and, if enabled, Prometheus metrics

SIGHUP reloads the log settings. Replaying a capture file stops the meter
once the file is exhausted.

Examples:
  dmgmeter start                          # live capture on the best ranked device
  dmgmeter start -c config.yml -d eth0    # live capture on eth0
  dmgmeter start --file session.pcap      # replay a capture file`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := applyStartFlags(cfg); err != nil {
			exitWithError("invalid flags", err)
		}
		if err := runStart(cfg); err != nil {
			exitWithError("dmgmeter failed", err)
		}
	},
}

var (
	startDevice  string
	startFile    string
	startDecoder string
	startPIDFile string
)

func init() {
	startCmd.Flags().StringVarP(&startDevice, "device", "d", "", "capture device (overrides capture.device)")
	startCmd.Flags().StringVarP(&startFile, "file", "f", "", "replay a pcap file instead of live capture")
	startCmd.Flags().StringVar(&startDecoder, "decoder", "", "frame decoder name (overrides decoder.name)")
	startCmd.Flags().StringVarP(&startPIDFile, "pidfile", "p", "", "PID file path (overrides pid_file)")
}

// applyStartFlags overlays command line flags on cfg and revalidates.
func applyStartFlags(cfg *config.GlobalConfig) error {
	if startDevice != "" {
		cfg.Capture.Device = startDevice
	}
	if startFile != "" {
		cfg.Capture.Source = capture.KindFile
		cfg.Capture.File = startFile
	}
	if startDecoder != "" {
		cfg.Decoder.Name = startDecoder
	}
	if startPIDFile != "" {
		cfg.PIDFile = startPIDFile
	}
	return cfg.ValidateAndApplyDefaults()
}

func runStart(cfg *config.GlobalConfig) error {
	path := configFile
	if _, err := os.Stat(path); err != nil {
		path = "" // defaults only, nothing to reload
	}
	d := daemon.New(cfg, path)
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
