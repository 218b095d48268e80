package dto

import (
	"github.com/google/uuid"
	"time"
	"worker-transcribe/constant"
)

// TranscriptionMessage is the queue payload produced by the ingestion side.
type TranscriptionMessage struct {
	TranscriptionId uuid.UUID `json:"transcription_id"`
}

// QueueMessage is one received delivery. Token is the opaque handle the
// queue needs to acknowledge or release it.
type QueueMessage struct {
	Token       string
	Body        []byte
	Redelivered bool
}

// JobState is a snapshot of a job. ObservedAt is the store's clock at the
// time of the read; lease ages are measured against it.
type JobState struct {
	Exists       bool
	Status       constant.JobStatus
	AttemptCount int
	LockedAt     *time.Time
	LockedBy     *string
	ObservedAt   time.Time
}

type LeaseRequest struct {
	TranscriptionId uuid.UUID
	WorkerId        string
	StaleAfter      time.Duration
	MaxAttempts     int
}

type LeaseResult struct {
	Acquired     bool
	AudioId      uuid.UUID
	AttemptCount int
}

type AudioContext struct {
	AudioId             uuid.UUID
	OriginalKey         string
	OriginalContentType *string
	OriginalFilename    *string
	AttemptCount        int
}

// Claim is handed to the pipeline once a lease has been acquired.
type Claim struct {
	TranscriptionId uuid.UUID
	AudioId         uuid.UUID
	AttemptCount    int
}

type Decision struct {
	Action constant.Action
	Reason constant.Reason
	Claim  *Claim
}

type AttemptError struct {
	TranscriptionId uuid.UUID
	AttemptNumber   int
	Message         string
	Kind            constant.ErrorKind
	WorkerId        string
}

// SucceededResult is only applied while WorkerId still holds the lease
// taken at AttemptCount.
type SucceededResult struct {
	TranscriptionId   uuid.UUID
	WorkerId          string
	AttemptCount      int
	TranscriptText    string
	TranscriptJSON    string
	ConvertedAudioKey string
}

// Segment is one recognized span of speech. Start and End are in seconds.
type Segment struct {
	Id    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}
