package cmd

import (
	"github.com/spf13/cobra"
	"worker-transcribe/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "worker-transcribe",
		Short:        "transcription job worker",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(workerCmd(config))
	rootCmd.AddCommand(migrate(config))
	rootCmd.AddCommand(inspect(config))
	rootCmd.AddCommand(enqueue(config))
	return rootCmd
}
