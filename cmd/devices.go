package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/capture"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and their auto-selection rank",
	Long: `List the network devices libpcap can open. The device with the highest rank
is used when capture.device is "auto"; rank 0 devices are never picked.`,
	Run: func(cmd *cobra.Command, args []string) {
		devs, err := capture.ListDevices()
		if err != nil {
			exitWithError("failed to list devices", err)
		}
		printDevices(os.Stdout, devs)
	},
}

func printDevices(out io.Writer, devs []capture.Device) {
	if len(devs) == 0 {
		fmt.Fprintln(out, "no capture devices found")
		return
	}

	var auto string
	if d, err := capture.SelectDevice(devs); err == nil {
		auto = d.Name
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tRANK\tADDRESSES\tDESCRIPTION")
	for _, d := range devs {
		name := d.Name
		if name == auto {
			name += " *"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", name, d.Rank, strings.Join(d.Addresses, ","), d.Description)
	}
	tw.Flush()
}
