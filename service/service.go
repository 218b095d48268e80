package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
	"worker-transcribe/repository"
)

const normalizedContentType = "audio/wav"

type BlobStorage interface {
	// Fetch streams the object at key into a local file at path.
	Fetch(ctx context.Context, key, path string) error
	Store(ctx context.Context, path, key, contentType string) error
}

type Normalizer interface {
	Normalize(ctx context.Context, inputPath, outputPath string) error
}

type Recognizer interface {
	Recognize(ctx context.Context, wavPath string) ([]dto.Segment, error)
}

type PipelineOptions struct {
	WorkerId   string
	TmpRoot    string
	JobTimeout time.Duration
}

// Pipeline runs the transcription stages for a claimed job. Execute never
// returns an error: every failure is written to the attempt-error ledger and
// reported as retry.
type Pipeline struct {
	repo       repository.TranscriptionRepository
	storage    BlobStorage
	normalizer Normalizer
	recognizer Recognizer
	opts       PipelineOptions
}

func NewPipeline(
	repo repository.TranscriptionRepository,
	storage BlobStorage,
	normalizer Normalizer,
	recognizer Recognizer,
	opts PipelineOptions,
) *Pipeline {
	return &Pipeline{
		repo:       repo,
		storage:    storage,
		normalizer: normalizer,
		recognizer: recognizer,
		opts:       opts,
	}
}

func (p *Pipeline) Execute(ctx context.Context, claim dto.Claim) constant.Outcome {
	log := zerolog.Ctx(ctx).With().
		Str("transcription_id", claim.TranscriptionId.String()).
		Str("worker_id", p.opts.WorkerId).
		Logger()

	audioCtx, err := p.repo.GetAudioContext(ctx, claim.TranscriptionId)
	if err != nil {
		kind := constant.ErrorKindDatabase
		if errors.Is(err, repository.ErrAudioContextNotFound) {
			kind = constant.ErrorKindValidation
		}
		log.Error().Err(err).Msg("failed to get audio context")
		// The attempt number is not known before the audio context is read.
		p.recordAttemptError(ctx, log, claim, 0, "failed to get audio context: "+err.Error(), kind)
		return constant.OutcomeRetry
	}

	log = log.With().
		Str("audio_id", audioCtx.AudioId.String()).
		Int("attempt", claim.AttemptCount).
		Logger()

	if err := os.MkdirAll(p.opts.TmpRoot, os.ModePerm); err != nil {
		log.Error().Err(err).Msg("failed to create temp root")
		p.recordAttemptError(ctx, log, claim, claim.AttemptCount, err.Error(), constant.ErrorKindUnknown)
		return constant.OutcomeRetry
	}
	jobDir, err := os.MkdirTemp(p.opts.TmpRoot, claim.TranscriptionId.String()+"-")
	if err != nil {
		log.Error().Err(err).Msg("failed to create job directory")
		p.recordAttemptError(ctx, log, claim, claim.AttemptCount, err.Error(), constant.ErrorKindUnknown)
		return constant.OutcomeRetry
	}
	defer cleanup(log, jobDir)

	err = runWithTimeout(ctx, p.opts.JobTimeout, func(ctx context.Context) error {
		return p.run(log.WithContext(ctx), claim, audioCtx, jobDir)
	})
	if err != nil {
		kind := ClassifyError(err)
		log.Error().Err(err).Str("error_type", string(kind)).Msg("transcription processing failed")
		p.recordAttemptError(ctx, log, claim, claim.AttemptCount, err.Error(), kind)
		return constant.OutcomeRetry
	}

	log.Info().Msg("transcription succeeded")
	return constant.OutcomeAck
}

func (p *Pipeline) run(ctx context.Context, claim dto.Claim, audioCtx dto.AudioContext, jobDir string) error {
	log := zerolog.Ctx(ctx)
	sourcePath := filepath.Join(jobDir, "source")
	normalizedPath := filepath.Join(jobDir, "normalized_16k.wav")

	log.Info().Str("key", audioCtx.OriginalKey).Msg("downloading source audio")
	if err := p.storage.Fetch(ctx, audioCtx.OriginalKey, sourcePath); err != nil {
		return stageErr(StageFetch, constant.ErrorKindStorage, err)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return stageErr(StageFetch, constant.ErrorKindStorage, err)
	}
	if info.Size() == 0 {
		return stageErr(StageFetch, constant.ErrorKindValidation, ErrEmptyDownload)
	}

	log.Info().Msg("converting to 16kHz mono wav")
	if err := p.normalizer.Normalize(ctx, sourcePath, normalizedPath); err != nil {
		return stageErr(StageNormalize, constant.ErrorKindNormalize, err)
	}

	normalizedKey := NormalizedKey(audioCtx.AudioId.String())
	log.Info().Str("normalized_key", normalizedKey).Msg("uploading normalized audio")
	if err := p.storage.Store(ctx, normalizedPath, normalizedKey, normalizedContentType); err != nil {
		return stageErr(StageUpload, constant.ErrorKindStorage, err)
	}

	log.Info().Msg("running speech recognition")
	segments, err := p.recognizer.Recognize(ctx, normalizedPath)
	if err != nil {
		return stageErr(StageRecognize, constant.ErrorKindRecognition, err)
	}
	if segments == nil {
		segments = []dto.Segment{}
	}
	detail, err := json.Marshal(segments)
	if err != nil {
		return stageErr(StageRecognize, constant.ErrorKindRecognition, err)
	}

	err = p.repo.MarkSucceeded(ctx, dto.SucceededResult{
		TranscriptionId:   claim.TranscriptionId,
		WorkerId:          p.opts.WorkerId,
		AttemptCount:      claim.AttemptCount,
		TranscriptText:    JoinSegments(segments),
		TranscriptJSON:    string(detail),
		ConvertedAudioKey: normalizedKey,
	})
	if err != nil {
		return stageErr(StagePersist, constant.ErrorKindDatabase, err)
	}
	return nil
}

func (p *Pipeline) recordAttemptError(ctx context.Context, log zerolog.Logger, claim dto.Claim, attempt int, msg string, kind constant.ErrorKind) {
	err := p.repo.RecordAttemptError(ctx, dto.AttemptError{
		TranscriptionId: claim.TranscriptionId,
		AttemptNumber:   attempt,
		Message:         repository.TruncateErrorMessage(msg),
		Kind:            kind,
		WorkerId:        p.opts.WorkerId,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record attempt error")
	}
}

// NormalizedKey is where the converted audio of an asset is stored.
func NormalizedKey(audioId string) string {
	return fmt.Sprintf("derived/%s/normalized", audioId)
}

// JoinSegments flattens recognized segments into a single transcript line.
func JoinSegments(segments []dto.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func cleanup(log zerolog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to remove job directory")
	}
}
