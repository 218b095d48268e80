package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"worker-transcribe/config"
	"worker-transcribe/repository"
	server2 "worker-transcribe/server"
)

func migrate(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the transcription tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(cfg)
			defer cfg.DB.Close()

			if err := config.PingDB(ctx, cfg.DB); err != nil {
				return err
			}
			repo, err := repository.NewRepo(cfg.DB)
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(ctx); err != nil {
				return err
			}

			zerolog.Ctx(ctx).Info().Msg("migration complete")
			return nil
		},
	}
}
