package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"io"
	"time"
	"worker-transcribe/config"
	"worker-transcribe/entities"
	"worker-transcribe/pkg/statuscache"
	"worker-transcribe/repository"
	server2 "worker-transcribe/server"
)

func inspect(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <transcription-id>",
		Short: "print a transcription's lease state and attempt errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transcription id: %w", err)
			}

			ctx := server2.SetupLogger(cfg)
			defer cfg.DB.Close()

			repo, err := repository.NewRepo(cfg.DB)
			if err != nil {
				return err
			}

			job, err := repo.FindTranscription(ctx, id)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("transcription %s not found", id)
			}
			if err != nil {
				return err
			}

			attemptErrors, err := repo.ListAttemptErrors(ctx, id)
			if err != nil {
				return err
			}

			cached := cachedStatus(ctx, cfg, id)
			renderInspection(cmd.OutOrStdout(), job, attemptErrors, cached)
			return nil
		},
	}
}

func cachedStatus(ctx context.Context, cfg *config.Config, id uuid.UUID) string {
	if !cfg.Redis.Enabled() {
		return "-"
	}
	client := cfg.Redis.Client()
	defer client.Close()

	status, ok, err := statuscache.New(client, cfg.Redis.StatusTTL).GetStatus(ctx, id)
	switch {
	case err != nil:
		return "error: " + err.Error()
	case !ok:
		return "-"
	default:
		return status.String()
	}
}

func renderInspection(w io.Writer, job *entities.Transcription, attemptErrors []*entities.AttemptError, cached string) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("transcription " + job.ID.String())
	summary.AppendRows([]table.Row{
		{"audio", job.AudioId.String()},
		{"status", job.Status},
		{"cached status", cached},
		{"attempts", job.AttemptCount},
		{"locked by", valueOr(job.LockedBy, "-")},
		{"locked at", timeOr(job.LockedAt)},
		{"converted key", valueOr(job.ConvertedAudioKey, "-")},
		{"updated", job.UpdatedAt.UTC().Format(time.RFC3339)},
	})
	summary.Render()

	if len(attemptErrors) == 0 {
		fmt.Fprintln(w, "no attempt errors")
		return
	}

	ledger := table.NewWriter()
	ledger.SetOutputMirror(w)
	ledger.SetStyle(table.StyleLight)
	ledger.AppendHeader(table.Row{"#", "attempt", "type", "worker", "at", "message"})
	for i, e := range attemptErrors {
		ledger.AppendRow(table.Row{i + 1, e.AttemptNumber, e.ErrorType, e.WorkerId, e.CreatedAt.UTC().Format(time.RFC3339), e.ErrorMessage})
	}
	ledger.Render()
}

func valueOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func timeOr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
