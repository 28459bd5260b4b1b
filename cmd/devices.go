package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mobilecontrol/adb"
	"mobilecontrol/logger"
)

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices adb can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adb.NewClient(cfg.ADB.Path, logger.For("adb"))
			devices, err := client.ListDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tMODEL\tANDROID\tRESOLUTION\tBATTERY\tSTATUS")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n", d.ADBDeviceID, d.Name, d.AndroidVersion, d.Resolution, d.Battery, d.Status)
			}
			return w.Flush()
		},
	}
}
