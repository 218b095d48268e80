package service

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"os"
	"sync"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
	"worker-transcribe/entities"
	"worker-transcribe/repository"
)

type memJob struct {
	status       constant.JobStatus
	attemptCount int
	lockedAt     *time.Time
	lockedBy     *string
	audioId      uuid.UUID
}

// memRepo is an in-memory job store with the same lease rules as the SQL one.
type memRepo struct {
	mu            sync.Mutex
	now           time.Time
	jobs          map[uuid.UUID]*memJob
	audio         map[uuid.UUID]dto.AudioContext
	attemptErrors []dto.AttemptError
	succeeded     []dto.SucceededResult
	failed        []uuid.UUID
	leaseCalls    int
	mutations     int

	stateErr         error
	leaseErr         error
	forceLeaseLost   bool
	markFailedErr    error
	audioErr         error
	markSucceededErr error
}

var _ repository.TranscriptionRepository = (*memRepo)(nil)

func newMemRepo(now time.Time) *memRepo {
	return &memRepo{
		now:   now,
		jobs:  make(map[uuid.UUID]*memJob),
		audio: make(map[uuid.UUID]dto.AudioContext),
	}
}

func (r *memRepo) put(id uuid.UUID, job *memJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = job
}

func (r *memRepo) job(id uuid.UUID) memJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

func (r *memRepo) GetDB() *gorm.DB { return nil }
func (r *memRepo) AutoMigrate(ctx context.Context) error { return nil }

func (r *memRepo) AcquireLease(_ context.Context, req dto.LeaseRequest) (dto.LeaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaseCalls++
	if r.leaseErr != nil {
		return dto.LeaseResult{}, r.leaseErr
	}
	job, ok := r.jobs[req.TranscriptionId]
	if !ok || r.forceLeaseLost || job.attemptCount >= req.MaxAttempts {
		return dto.LeaseResult{}, nil
	}
	cutoff := r.now.Add(-req.StaleAfter)
	claimable := job.status == constant.JobStatusQueued || job.status == constant.JobStatusFailed ||
		(job.status == constant.JobStatusProcessing && (job.lockedAt == nil || job.lockedAt.Before(cutoff)))
	if !claimable {
		return dto.LeaseResult{}, nil
	}
	now := r.now
	worker := req.WorkerId
	job.status = constant.JobStatusProcessing
	job.lockedAt = &now
	job.lockedBy = &worker
	job.attemptCount++
	r.mutations++
	return dto.LeaseResult{Acquired: true, AudioId: job.audioId, AttemptCount: job.attemptCount}, nil
}

func (r *memRepo) GetState(_ context.Context, id uuid.UUID) (dto.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateErr != nil {
		return dto.JobState{}, r.stateErr
	}
	job, ok := r.jobs[id]
	if !ok {
		return dto.JobState{Exists: false}, nil
	}
	return dto.JobState{
		Exists:       true,
		Status:       job.status,
		AttemptCount: job.attemptCount,
		LockedAt:     job.lockedAt,
		LockedBy:     job.lockedBy,
		ObservedAt:   r.now,
	}, nil
}

func (r *memRepo) GetAudioContext(_ context.Context, id uuid.UUID) (dto.AudioContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audioErr != nil {
		return dto.AudioContext{}, r.audioErr
	}
	audioCtx, ok := r.audio[id]
	if !ok {
		return dto.AudioContext{}, repository.ErrAudioContextNotFound
	}
	return audioCtx, nil
}

func (r *memRepo) RecordAttemptError(_ context.Context, attemptErr dto.AttemptError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attemptErrors = append(r.attemptErrors, attemptErr)
	r.mutations++
	return nil
}

func (r *memRepo) MarkSucceeded(_ context.Context, result dto.SucceededResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markSucceededErr != nil {
		return r.markSucceededErr
	}
	job, ok := r.jobs[result.TranscriptionId]
	if !ok || job.status != constant.JobStatusProcessing || job.lockedBy == nil ||
		*job.lockedBy != result.WorkerId || job.attemptCount != result.AttemptCount {
		return repository.ErrLeaseLost
	}
	r.succeeded = append(r.succeeded, result)
	job.status = constant.JobStatusSucceeded
	job.lockedAt, job.lockedBy = nil, nil
	r.mutations++
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markFailedErr != nil {
		return r.markFailedErr
	}
	r.failed = append(r.failed, id)
	if job, ok := r.jobs[id]; ok {
		job.status = constant.JobStatusFailed
		job.lockedAt, job.lockedBy = nil, nil
	}
	r.mutations++
	return nil
}

func (r *memRepo) FindTranscription(context.Context, uuid.UUID) (*entities.Transcription, error) {
	return nil, errors.New("not implemented")
}

func (r *memRepo) ListAttemptErrors(context.Context, uuid.UUID) ([]*entities.AttemptError, error) {
	return nil, errors.New("not implemented")
}

type fakeStorage struct {
	mu         sync.Mutex
	content    []byte
	fetchErr   error
	storeErr   error
	fetchPaths []string
	stored     map[string]string
}

func (s *fakeStorage) Fetch(_ context.Context, key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchPaths = append(s.fetchPaths, path)
	if s.fetchErr != nil {
		return s.fetchErr
	}
	return os.WriteFile(path, s.content, 0o644)
}

func (s *fakeStorage) Store(_ context.Context, path, key, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if s.stored == nil {
		s.stored = make(map[string]string)
	}
	s.stored[key] = contentType
	return nil
}

type fakeNormalizer struct {
	err error
}

func (n *fakeNormalizer) Normalize(_ context.Context, inputPath, outputPath string) error {
	if n.err != nil {
		return n.err
	}
	return os.WriteFile(outputPath, []byte("RIFF"), 0o644)
}

type fakeRecognizer struct {
	segments []dto.Segment
	err      error
	block    bool
}

func (r *fakeRecognizer) Recognize(ctx context.Context, wavPath string) ([]dto.Segment, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.segments, r.err
}
