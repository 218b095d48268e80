package service

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
	"worker-transcribe/repository"
)

// DecisionEngine maps the persisted state of a job onto ack, retry or
// process. It never runs the pipeline itself; the only work it does is the
// lease acquisition and, for exhausted jobs, the move to failed.
type DecisionEngine struct {
	repo        repository.TranscriptionRepository
	workerId    string
	leaseStale  time.Duration
	maxAttempts int
}

func NewDecisionEngine(repo repository.TranscriptionRepository, workerId string, leaseStale time.Duration, maxAttempts int) *DecisionEngine {
	return &DecisionEngine{
		repo:        repo,
		workerId:    workerId,
		leaseStale:  leaseStale,
		maxAttempts: maxAttempts,
	}
}

// Decide returns a store error untouched; callers must treat it as retry.
func (d *DecisionEngine) Decide(ctx context.Context, id uuid.UUID) (dto.Decision, error) {
	log := zerolog.Ctx(ctx).With().Str("transcription_id", id.String()).Str("worker_id", d.workerId).Logger()

	state, err := d.repo.GetState(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("failed to read transcription state")
		return dto.Decision{}, err
	}

	if !state.Exists {
		log.Error().Msg("transcription record not found, possible orphaned message")
		return ack(constant.ReasonMissing), nil
	}

	if state.Status == constant.JobStatusSucceeded {
		return ack(constant.ReasonAlreadySucceeded), nil
	}

	if state.Status == constant.JobStatusFailed && state.AttemptCount >= d.maxAttempts {
		return ack(constant.ReasonAlreadyFailedMaxAttempts), nil
	}

	if state.AttemptCount >= d.maxAttempts {
		if err := d.repo.MarkFailed(ctx, id); err != nil {
			log.Error().Err(err).Msg("failed to mark exhausted transcription as failed")
			return dto.Decision{}, fmt.Errorf("mark exhausted job failed: %w", err)
		}
		log.Warn().Int("attempt_count", state.AttemptCount).Msg("attempt budget exhausted, marked failed")
		return ack(constant.ReasonMaxAttemptsReached), nil
	}

	if state.Status == constant.JobStatusProcessing && !d.isStale(state) {
		log.Debug().Msg("actively locked")
		return retry(constant.ReasonActivelyLocked), nil
	}

	lease, err := d.repo.AcquireLease(ctx, dto.LeaseRequest{
		TranscriptionId: id,
		WorkerId:        d.workerId,
		StaleAfter:      d.leaseStale,
		MaxAttempts:     d.maxAttempts,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire lease")
		return dto.Decision{}, err
	}
	if !lease.Acquired {
		return retry(constant.ReasonRaceCondition), nil
	}

	return dto.Decision{
		Action: constant.ActionProcess,
		Claim: &dto.Claim{
			TranscriptionId: id,
			AudioId:         lease.AudioId,
			AttemptCount:    lease.AttemptCount,
		},
	}, nil
}

// isStale measures the lease age on the store's clock. A missing lock time
// counts as stale so a hand-edited row cannot wedge the job.
func (d *DecisionEngine) isStale(state dto.JobState) bool {
	if state.LockedAt == nil {
		return true
	}
	return state.ObservedAt.Sub(*state.LockedAt) > d.leaseStale
}

func ack(reason constant.Reason) dto.Decision {
	return dto.Decision{Action: constant.ActionAck, Reason: reason}
}

func retry(reason constant.Reason) dto.Decision {
	return dto.Decision{Action: constant.ActionRetry, Reason: reason}
}
