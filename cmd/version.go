package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time:
//
//	go build -ldflags "-X mobilecontrol/cmd.Version=1.2.0"
var Version = "0.1.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
