package constant

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// ParseJobStatus maps a stored status string onto the known set. Unknown
// values come back as failed with ok=false so callers can log them.
func ParseJobStatus(raw string) (JobStatus, bool) {
	switch s := JobStatus(raw); s {
	case JobStatusQueued, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed:
		return s, true
	default:
		return JobStatusFailed, false
	}
}

type Action string

const (
	ActionAck     Action = "ack"
	ActionRetry   Action = "retry"
	ActionProcess Action = "process"
)

type Reason string

const (
	ReasonMissing                  Reason = "missing"
	ReasonAlreadySucceeded         Reason = "already_succeeded"
	ReasonAlreadyFailedMaxAttempts Reason = "already_failed_max_attempts"
	ReasonMaxAttemptsReached       Reason = "max_attempts_reached"
	ReasonActivelyLocked           Reason = "actively_locked"
	ReasonRaceCondition            Reason = "race_condition"
)

// Outcome is what the worker loop does with a queue message once handling is over.
type Outcome string

const (
	OutcomeAck   Outcome = "ack"
	OutcomeRetry Outcome = "retry"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeAck
}

type ErrorKind string

const (
	ErrorKindStorage     ErrorKind = "StorageError"
	ErrorKindNormalize   ErrorKind = "NormalizeError"
	ErrorKindRecognition ErrorKind = "RecognitionError"
	ErrorKindDatabase    ErrorKind = "DatabaseError"
	ErrorKindValidation  ErrorKind = "ValidationError"
	ErrorKindTimeout     ErrorKind = "TimeoutError"
	ErrorKindUnknown     ErrorKind = "UnknownError"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

type RecognizerBackend string

const (
	RecognizerCLI    RecognizerBackend = "cli"
	RecognizerOpenAI RecognizerBackend = "openai"
)
