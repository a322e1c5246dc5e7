package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running meter",
	Long: `Send SIGTERM to the meter recorded in the PID file and wait for it to drain.

Examples:
  dmgmeter stop
  dmgmeter stop -p /run/dmgmeter.pid -t 10s`,
	Run: func(cmd *cobra.Command, args []string) {
		path := stopPIDFile
		if path == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				exitWithError("failed to load config", err)
			}
			path = cfg.PIDFile
		}
		if err := runStop(path, stopTimeout, os.Stdout); err != nil {
			exitWithError("failed to stop", err)
		}
	},
}

var (
	stopPIDFile string
	stopTimeout time.Duration
)

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "", "PID file path (default: pid_file from config)")
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second, "time to wait for the drain")
}

func runStop(pidFile string, timeout time.Duration, out io.Writer) error {
	if pidFile == "" {
		return fmt.Errorf("no PID file configured; pass --pidfile or set pid_file")
	}
	if err := daemon.StopRunning(pidFile, timeout); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ dmgmeter stopped")
	return nil
}
