package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"strings"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
	"worker-transcribe/entities"
)

var (
	ErrAudioContextNotFound = errors.New("audio context not found")
	ErrLeaseLost            = errors.New("lease lost")
)

// TranscriptionRepository is the job store shared by every worker process.
// Every mutation is a single statement. Lease times are taken from the
// store's clock, never from the worker host.
type TranscriptionRepository interface {
	GetDB() *gorm.DB
	AutoMigrate(ctx context.Context) error
	AcquireLease(ctx context.Context, req dto.LeaseRequest) (dto.LeaseResult, error)
	GetState(ctx context.Context, id uuid.UUID) (dto.JobState, error)
	GetAudioContext(ctx context.Context, id uuid.UUID) (dto.AudioContext, error)
	RecordAttemptError(ctx context.Context, attemptErr dto.AttemptError) error
	MarkSucceeded(ctx context.Context, result dto.SucceededResult) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	FindTranscription(ctx context.Context, id uuid.UUID) (*entities.Transcription, error)
	ListAttemptErrors(ctx context.Context, id uuid.UUID) ([]*entities.AttemptError, error)
}

const maxErrorMessageLength = 1000

const truncationMarker = "... [truncated]"

type repo struct {
	db    *gorm.DB
	clock func(ctx context.Context) (time.Time, error)
}

func NewRepo(db *sql.DB) (TranscriptionRepository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return NewRepoWithDB(gormDB), nil
}

// NewRepoWithDB wraps an already opened gorm handle of any dialect.
func NewRepoWithDB(db *gorm.DB) TranscriptionRepository {
	return &repo{
		db:    db,
		clock: storeClock(db),
	}
}

func storeClock(db *gorm.DB) func(ctx context.Context) (time.Time, error) {
	return func(ctx context.Context) (time.Time, error) {
		var now time.Time
		if err := db.WithContext(ctx).Raw("SELECT CURRENT_TIMESTAMP").Row().Scan(&now); err != nil {
			return time.Time{}, fmt.Errorf("read store clock: %w", err)
		}
		return now.UTC(), nil
	}
}

func (r *repo) now(ctx context.Context) (time.Time, error) {
	return r.clock(ctx)
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) AutoMigrate(ctx context.Context) error {
	return r.GetDB().WithContext(ctx).AutoMigrate(
		&entities.Audio{},
		&entities.Transcription{},
		&entities.AttemptError{},
	)
}

func (r *repo) AcquireLease(ctx context.Context, req dto.LeaseRequest) (dto.LeaseResult, error) {
	now, err := r.now(ctx)
	if err != nil {
		return dto.LeaseResult{}, err
	}
	cutoff := now.Add(-req.StaleAfter)

	res := r.GetDB().WithContext(ctx).
		Model(&entities.Transcription{}).
		Where("id = ?", req.TranscriptionId).
		Where("attempt_count < ?", req.MaxAttempts).
		Where(
			r.GetDB().Where("status IN ?", []string{constant.JobStatusQueued.String(), constant.JobStatusFailed.String()}).
				Or("status = ? AND (locked_at IS NULL OR locked_at < ?)", constant.JobStatusProcessing.String(), cutoff),
		).
		Updates(map[string]interface{}{
			"status":        constant.JobStatusProcessing.String(),
			"locked_at":     now,
			"locked_by":     req.WorkerId,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return dto.LeaseResult{}, fmt.Errorf("acquire lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return dto.LeaseResult{Acquired: false}, nil
	}

	// The row is ours until the lease goes stale, so this read cannot race a
	// competing claim.
	job := &entities.Transcription{}
	err = r.GetDB().WithContext(ctx).
		Select("audio_id", "attempt_count").
		Where("id = ? AND locked_by = ?", req.TranscriptionId, req.WorkerId).
		First(job).Error
	if err != nil {
		return dto.LeaseResult{}, fmt.Errorf("read acquired lease: %w", err)
	}

	return dto.LeaseResult{
		Acquired:     true,
		AudioId:      job.AudioId,
		AttemptCount: job.AttemptCount,
	}, nil
}

func (r *repo) GetState(ctx context.Context, id uuid.UUID) (dto.JobState, error) {
	now, err := r.now(ctx)
	if err != nil {
		return dto.JobState{}, err
	}

	job := &entities.Transcription{}
	err = r.GetDB().WithContext(ctx).
		Select("id", "status", "attempt_count", "locked_at", "locked_by").
		First(job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.JobState{Exists: false}, nil
	}
	if err != nil {
		return dto.JobState{}, fmt.Errorf("get transcription state: %w", err)
	}

	status, ok := constant.ParseJobStatus(job.Status)
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("status", job.Status).Str("transcription_id", id.String()).
			Msg("invalid transcription status, treating as failed")
	}

	return dto.JobState{
		Exists:       true,
		Status:       status,
		AttemptCount: job.AttemptCount,
		LockedAt:     job.LockedAt,
		LockedBy:     job.LockedBy,
		ObservedAt:   now,
	}, nil
}

func (r *repo) GetAudioContext(ctx context.Context, id uuid.UUID) (dto.AudioContext, error) {
	var row struct {
		AudioId             uuid.UUID
		OriginalKey         string
		OriginalContentType *string
		OriginalFilename    *string
		AttemptCount        int
	}
	res := r.GetDB().WithContext(ctx).
		Table("transcriptions AS t").
		Select("a.id AS audio_id, a.original_key, a.original_content_type, a.original_filename, t.attempt_count").
		Joins("JOIN audios a ON a.id = t.audio_id").
		Where("t.id = ?", id).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return dto.AudioContext{}, fmt.Errorf("get audio context: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return dto.AudioContext{}, fmt.Errorf("%w for transcription %s", ErrAudioContextNotFound, id)
	}
	if strings.TrimSpace(row.OriginalKey) == "" {
		return dto.AudioContext{}, fmt.Errorf("audio %s has no source key", row.AudioId)
	}

	return dto.AudioContext{
		AudioId:             row.AudioId,
		OriginalKey:         row.OriginalKey,
		OriginalContentType: row.OriginalContentType,
		OriginalFilename:    row.OriginalFilename,
		AttemptCount:        row.AttemptCount,
	}, nil
}

func (r *repo) RecordAttemptError(ctx context.Context, attemptErr dto.AttemptError) error {
	now, err := r.now(ctx)
	if err != nil {
		return err
	}
	record := &entities.AttemptError{
		TranscriptionId: attemptErr.TranscriptionId,
		AttemptNumber:   attemptErr.AttemptNumber,
		ErrorMessage:    TruncateErrorMessage(attemptErr.Message),
		ErrorType:       string(attemptErr.Kind),
		WorkerId:        attemptErr.WorkerId,
		CreatedAt:       now,
	}
	if err := r.GetDB().WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("record attempt error: %w", err)
	}
	return nil
}

// MarkSucceeded returns ErrLeaseLost when the caller no longer holds the
// lease, e.g. the job was reclaimed or moved to failed meanwhile.
func (r *repo) MarkSucceeded(ctx context.Context, result dto.SucceededResult) error {
	now, err := r.now(ctx)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":              constant.JobStatusSucceeded.String(),
		"transcript_text":     result.TranscriptText,
		"transcript_json":     result.TranscriptJSON,
		"converted_audio_key": result.ConvertedAudioKey,
		"locked_at":           nil,
		"locked_by":           nil,
		"updated_at":          now,
	}
	res := r.GetDB().WithContext(ctx).Model(&entities.Transcription{}).
		Where("id = ?", result.TranscriptionId).
		Where("status = ? AND locked_by = ? AND attempt_count = ?",
			constant.JobStatusProcessing.String(), result.WorkerId, result.AttemptCount).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark succeeded: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark succeeded: %w: %s is not held by %s at attempt %d",
			ErrLeaseLost, result.TranscriptionId, result.WorkerId, result.AttemptCount)
	}
	return nil
}

func (r *repo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	now, err := r.now(ctx)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":     constant.JobStatusFailed.String(),
		"locked_at":  nil,
		"locked_by":  nil,
		"updated_at": now,
	}
	err = r.GetDB().WithContext(ctx).Model(&entities.Transcription{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r *repo) FindTranscription(ctx context.Context, id uuid.UUID) (*entities.Transcription, error) {
	job := &entities.Transcription{}
	err := r.GetDB().WithContext(ctx).First(job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (r *repo) ListAttemptErrors(ctx context.Context, id uuid.UUID) ([]*entities.AttemptError, error) {
	var attemptErrors []*entities.AttemptError
	err := r.GetDB().WithContext(ctx).
		Where("transcription_id = ?", id).
		Order("id ASC").
		Find(&attemptErrors).Error
	if err != nil {
		return nil, err
	}
	return attemptErrors, nil
}

// TruncateErrorMessage caps a message at 1000 characters and marks the cut.
func TruncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorMessageLength {
		return msg
	}
	return string(runes[:maxErrorMessageLength]) + truncationMarker
}
