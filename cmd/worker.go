package cmd

import (
	"github.com/spf13/cobra"
	"worker-transcribe/config"
	server2 "worker-transcribe/server"
)

func workerCmd(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "consume transcription requests until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunWorker(config)
		},
	}
}
