package repository

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
	"worker-transcribe/entities"
)

const testSchema = `
CREATE TABLE audios (
	id TEXT PRIMARY KEY,
	original_key TEXT NOT NULL,
	original_content_type TEXT,
	original_filename TEXT,
	created_at DATETIME NOT NULL
);
CREATE TABLE transcriptions (
	id TEXT PRIMARY KEY,
	audio_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	locked_at DATETIME,
	locked_by TEXT,
	transcript_text TEXT,
	transcript_json TEXT,
	converted_audio_key TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE transcription_attempt_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transcription_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	error_message TEXT NOT NULL,
	error_type TEXT,
	worker_id TEXT,
	created_at DATETIME NOT NULL
);`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) StoreNow(context.Context) (time.Time, error) {
	return c.Now(), nil
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestRepo(t *testing.T) (*repo, *testClock) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "transcriptions.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(testSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newTestRepo(db, clock), clock
}

// newTestRepo attaches a worker to db that reads time from the shared store clock.
func newTestRepo(db *gorm.DB, clock *testClock) *repo {
	r := NewRepoWithDB(db).(*repo)
	r.clock = clock.StoreNow
	return r
}

func seedTranscription(t *testing.T, r *repo, mutate func(job *entities.Transcription)) (uuid.UUID, uuid.UUID) {
	t.Helper()

	now, err := r.now(context.Background())
	if err != nil {
		t.Fatalf("store clock: %v", err)
	}
	audio := &entities.Audio{
		ID:          uuid.New(),
		OriginalKey: "uploads/source.mp3",
		CreatedAt:   now,
	}
	if err := r.GetDB().Create(audio).Error; err != nil {
		t.Fatalf("create audio: %v", err)
	}

	job := &entities.Transcription{
		ID:        uuid.New(),
		AudioId:   audio.ID,
		Status:    constant.JobStatusQueued.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(job)
	}
	if err := r.GetDB().Create(job).Error; err != nil {
		t.Fatalf("create transcription: %v", err)
	}
	return job.ID, audio.ID
}

func leaseRequest(id uuid.UUID, worker string) dto.LeaseRequest {
	return dto.LeaseRequest{
		TranscriptionId: id,
		WorkerId:        worker,
		StaleAfter:      15 * time.Minute,
		MaxAttempts:     3,
	}
}

func mustState(t *testing.T, r *repo, id uuid.UUID) dto.JobState {
	t.Helper()
	state, err := r.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	return state
}

func TestAcquireLeaseClaimsQueuedJob(t *testing.T) {
	r, clock := openTestRepo(t)
	ctx := context.Background()
	id, audioID := seedTranscription(t, r, nil)

	lease, err := r.AcquireLease(ctx, leaseRequest(id, "w1"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !lease.Acquired {
		t.Fatal("expected lease to be acquired")
	}
	if lease.AudioId != audioID {
		t.Fatalf("audio id = %s, want %s", lease.AudioId, audioID)
	}
	if lease.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", lease.AttemptCount)
	}

	state := mustState(t, r, id)
	if state.Status != constant.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", state.Status)
	}
	if state.LockedBy == nil || *state.LockedBy != "w1" {
		t.Fatalf("locked_by = %v, want w1", state.LockedBy)
	}
	if state.LockedAt == nil || !state.LockedAt.Equal(clock.Now()) {
		t.Fatalf("locked_at = %v, want %v", state.LockedAt, clock.Now())
	}
	if !state.ObservedAt.Equal(clock.Now()) {
		t.Fatalf("observed at = %v, want %v", state.ObservedAt, clock.Now())
	}
}

func TestAcquireLeaseIsExclusiveUnderConcurrency(t *testing.T) {
	r, _ := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)

	const claimants = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		failures []error
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			lease, err := r.AcquireLease(ctx, leaseRequest(id, "w-"+string(rune('a'+worker))))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if lease.Acquired {
				acquired++
			}
		}(i)
	}
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if acquired != 1 {
		t.Fatalf("acquired = %d, want exactly 1", acquired)
	}
	if state := mustState(t, r, id); state.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", state.AttemptCount)
	}
}

func TestAcquireLeaseStaleReclaim(t *testing.T) {
	r, clock := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)

	if lease, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil || !lease.Acquired {
		t.Fatalf("first claim: lease=%+v err=%v", lease, err)
	}

	clock.Advance(10 * time.Minute)
	lease, err := r.AcquireLease(ctx, leaseRequest(id, "w2"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Acquired {
		t.Fatal("fresh lease must not be reclaimed")
	}

	clock.Advance(6 * time.Minute)
	lease, err = r.AcquireLease(ctx, leaseRequest(id, "w2"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !lease.Acquired {
		t.Fatal("stale lease should be reclaimable")
	}
	if lease.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", lease.AttemptCount)
	}
	state := mustState(t, r, id)
	if state.LockedBy == nil || *state.LockedBy != "w2" {
		t.Fatalf("locked_by = %v, want w2", state.LockedBy)
	}
}

func TestAcquireLeaseTreatsMissingLockTimeAsStale(t *testing.T) {
	r, _ := openTestRepo(t)
	id, _ := seedTranscription(t, r, func(job *entities.Transcription) {
		job.Status = constant.JobStatusProcessing.String()
	})

	lease, err := r.AcquireLease(context.Background(), leaseRequest(id, "w1"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !lease.Acquired {
		t.Fatal("processing row without locked_at should be claimable")
	}
}

func TestAcquireLeaseRespectsAttemptBudget(t *testing.T) {
	r, _ := openTestRepo(t)
	id, _ := seedTranscription(t, r, func(job *entities.Transcription) {
		job.Status = constant.JobStatusFailed.String()
		job.AttemptCount = 3
	})

	lease, err := r.AcquireLease(context.Background(), leaseRequest(id, "w1"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Acquired {
		t.Fatal("job at max attempts must not be claimable")
	}
}

func TestAcquireLeaseAttemptCountIsMonotonic(t *testing.T) {
	r, clock := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)

	req := leaseRequest(id, "w1")
	req.MaxAttempts = 10
	last := 0
	for i := 0; i < 4; i++ {
		lease, err := r.AcquireLease(ctx, req)
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if !lease.Acquired {
			t.Fatalf("claim %d not acquired", i)
		}
		if lease.AttemptCount != last+1 {
			t.Fatalf("attempt count = %d, want %d", lease.AttemptCount, last+1)
		}
		last = lease.AttemptCount
		clock.Advance(16 * time.Minute)
	}
}

func TestAcquireLeaseMissingJob(t *testing.T) {
	r, _ := openTestRepo(t)
	lease, err := r.AcquireLease(context.Background(), leaseRequest(uuid.New(), "w1"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Acquired {
		t.Fatal("missing job cannot be claimed")
	}
}

func TestGetStateMissingAndUnknownStatus(t *testing.T) {
	r, _ := openTestRepo(t)

	if state := mustState(t, r, uuid.New()); state.Exists {
		t.Fatal("expected missing job")
	}

	id, _ := seedTranscription(t, r, func(job *entities.Transcription) {
		job.Status = "exploded"
	})
	state := mustState(t, r, id)
	if !state.Exists || state.Status != constant.JobStatusFailed {
		t.Fatalf("unknown status should read as failed, got %+v", state)
	}
}

func TestMarkSucceededClearsLease(t *testing.T) {
	r, _ := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)
	if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	err := r.MarkSucceeded(ctx, dto.SucceededResult{
		TranscriptionId:   id,
		WorkerId:          "w1",
		AttemptCount:      1,
		TranscriptText:    "hello world",
		TranscriptJSON:    `[{"id":0,"start":0,"end":1,"text":"hello world"}]`,
		ConvertedAudioKey: "derived/a/normalized",
	})
	if err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	job, err := r.FindTranscription(ctx, id)
	if err != nil {
		t.Fatalf("FindTranscription: %v", err)
	}
	if job.Status != constant.JobStatusSucceeded.String() {
		t.Fatalf("status = %s", job.Status)
	}
	if job.LockedAt != nil || job.LockedBy != nil {
		t.Fatalf("lease fields not cleared: %v %v", job.LockedAt, job.LockedBy)
	}
	if job.TranscriptText == nil || *job.TranscriptText != "hello world" {
		t.Fatalf("transcript text = %v", job.TranscriptText)
	}
	if job.ConvertedAudioKey == nil || *job.ConvertedAudioKey != "derived/a/normalized" {
		t.Fatalf("converted key = %v", job.ConvertedAudioKey)
	}
}

func TestMarkFailedClearsLease(t *testing.T) {
	r, _ := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)
	if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if err := r.MarkFailed(ctx, id); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	state := mustState(t, r, id)
	if state.Status != constant.JobStatusFailed {
		t.Fatalf("status = %s", state.Status)
	}
	if state.LockedAt != nil || state.LockedBy != nil {
		t.Fatal("lease fields not cleared")
	}
	if state.AttemptCount != 1 {
		t.Fatalf("attempt count changed: %d", state.AttemptCount)
	}
}

func TestRecordAttemptErrorAppendsAndTruncates(t *testing.T) {
	r, _ := openTestRepo(t)
	ctx := context.Background()
	id, _ := seedTranscription(t, r, nil)

	long := strings.Repeat("x", 1500)
	records := []dto.AttemptError{
		{TranscriptionId: id, AttemptNumber: 1, Message: "download failed", Kind: constant.ErrorKindStorage, WorkerId: "w1"},
		{TranscriptionId: id, AttemptNumber: 2, Message: long, Kind: constant.ErrorKindRecognition, WorkerId: "w2"},
	}
	for _, rec := range records {
		if err := r.RecordAttemptError(ctx, rec); err != nil {
			t.Fatalf("RecordAttemptError: %v", err)
		}
	}

	got, err := r.ListAttemptErrors(ctx, id)
	if err != nil {
		t.Fatalf("ListAttemptErrors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].AttemptNumber != 1 || got[0].ErrorType != "StorageError" || got[0].WorkerId != "w1" {
		t.Fatalf("first record = %+v", got[0])
	}
	if got[1].ErrorMessage != strings.Repeat("x", 1000)+"... [truncated]" {
		t.Fatalf("message not truncated, len=%d", len(got[1].ErrorMessage))
	}
}

func TestGetAudioContext(t *testing.T) {
	r, _ := openTestRepo(t)
	ctx := context.Background()
	id, audioID := seedTranscription(t, r, func(job *entities.Transcription) {
		job.AttemptCount = 2
	})

	audioCtx, err := r.GetAudioContext(ctx, id)
	if err != nil {
		t.Fatalf("GetAudioContext: %v", err)
	}
	if audioCtx.AudioId != audioID || audioCtx.OriginalKey != "uploads/source.mp3" || audioCtx.AttemptCount != 2 {
		t.Fatalf("unexpected context: %+v", audioCtx)
	}

	_, err = r.GetAudioContext(ctx, uuid.New())
	if !errors.Is(err, ErrAudioContextNotFound) {
		t.Fatalf("expected ErrAudioContextNotFound, got %v", err)
	}
}

func TestTruncateErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"short", "boom", "boom"},
		{"exact", strings.Repeat("a", 1000), strings.Repeat("a", 1000)},
		{"long", strings.Repeat("b", 1001), strings.Repeat("b", 1000) + "... [truncated]"},
	}
	for _, tc := range cases {
		if got := TruncateErrorMessage(tc.in); got != tc.want {
			t.Fatalf("%s: got len %d, want len %d", tc.name, len(got), len(tc.want))
		}
	}
}

func TestLeaseTimesComeFromStoreClock(t *testing.T) {
	r, clock := openTestRepo(t)
	ctx := context.Background()

	// The store runs years behind every worker host, so any lease age
	// computed from a host clock would look stale at once.
	clock.now = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	id, _ := seedTranscription(t, r, nil)
	other := newTestRepo(r.GetDB(), clock)

	if lease, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil || !lease.Acquired {
		t.Fatalf("first claim: lease=%+v err=%v", lease, err)
	}
	state := mustState(t, other, id)
	if state.LockedAt == nil || !state.LockedAt.Equal(clock.Now()) {
		t.Fatalf("locked_at = %v, want store time %v", state.LockedAt, clock.Now())
	}

	lease, err := other.AcquireLease(ctx, leaseRequest(id, "w2"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Acquired {
		t.Fatal("fresh lease taken over by a worker whose host clock is ahead of the store")
	}

	clock.Advance(16 * time.Minute)
	lease, err = other.AcquireLease(ctx, leaseRequest(id, "w2"))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !lease.Acquired {
		t.Fatal("lease stale on the store clock should be reclaimable")
	}
}

func TestMarkSucceededRequiresHeldLease(t *testing.T) {
	result := func(id uuid.UUID, worker string, attempt int) dto.SucceededResult {
		return dto.SucceededResult{
			TranscriptionId:   id,
			WorkerId:          worker,
			AttemptCount:      attempt,
			TranscriptText:    "late result",
			TranscriptJSON:    "[]",
			ConvertedAudioKey: "derived/a/normalized",
		}
	}

	t.Run("job failed meanwhile", func(t *testing.T) {
		r, _ := openTestRepo(t)
		ctx := context.Background()
		id, _ := seedTranscription(t, r, nil)
		if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if err := r.MarkFailed(ctx, id); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}

		err := r.MarkSucceeded(ctx, result(id, "w1", 1))
		if !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("err = %v, want ErrLeaseLost", err)
		}
		if state := mustState(t, r, id); state.Status != constant.JobStatusFailed {
			t.Fatalf("status = %s, want failed", state.Status)
		}
	})

	t.Run("lease reclaimed by another worker", func(t *testing.T) {
		r, clock := openTestRepo(t)
		ctx := context.Background()
		id, _ := seedTranscription(t, r, nil)
		if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		clock.Advance(16 * time.Minute)
		if lease, err := r.AcquireLease(ctx, leaseRequest(id, "w2")); err != nil || !lease.Acquired {
			t.Fatalf("reclaim: lease=%+v err=%v", lease, err)
		}

		err := r.MarkSucceeded(ctx, result(id, "w1", 1))
		if !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("err = %v, want ErrLeaseLost", err)
		}
		state := mustState(t, r, id)
		if state.Status != constant.JobStatusProcessing || state.LockedBy == nil || *state.LockedBy != "w2" {
			t.Fatalf("new holder's lease disturbed: %+v", state)
		}
	})

	t.Run("same worker, older attempt", func(t *testing.T) {
		r, clock := openTestRepo(t)
		ctx := context.Background()
		id, _ := seedTranscription(t, r, nil)
		if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		clock.Advance(16 * time.Minute)
		if _, err := r.AcquireLease(ctx, leaseRequest(id, "w1")); err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}

		if err := r.MarkSucceeded(ctx, result(id, "w1", 1)); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("err = %v, want ErrLeaseLost", err)
		}
		if err := r.MarkSucceeded(ctx, result(id, "w1", 2)); err != nil {
			t.Fatalf("current attempt: %v", err)
		}
	})
}
