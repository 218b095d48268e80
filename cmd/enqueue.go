package cmd

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"worker-transcribe/config"
	"worker-transcribe/pkg/rabbitmq"
	server2 "worker-transcribe/server"
)

func enqueue(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <transcription-id>...",
		Short: "publish transcription requests onto the work queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid transcription id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			ctx := server2.SetupLogger(cfg)
			conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := rabbitmq.NewPublisher(conn, cfg.Queue).Publish(ctx, ids...); err != nil {
				return err
			}

			zerolog.Ctx(ctx).Info().Int("count", len(ids)).Str("queue", cfg.Queue.Queue).Msg("transcription requests published")
			return nil
		},
	}
}
