package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mobilecontrol/config"
	"mobilecontrol/logger"
)

var (
	cfgFile string
	cfg     config.Config
)

// NewRootCommand builds the command tree. Running it without a subcommand
// starts the server.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mobilecontrol",
		Short:         "Drives Android devices over adb for scripted app automation.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.New(), cfgFile)
			if err != nil {
				return err
			}
			if err := logger.Init(loaded.Logger); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCommand(), newDevicesCommand(), newVersionCommand())
	return root
}

// Execute runs the CLI until ctx is cancelled.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		log := logger.For("cli")
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	logger.Close()
	return err
}
