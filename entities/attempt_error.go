package entities

import (
	"github.com/google/uuid"
	"time"
)

// AttemptError is one row of a transcription's append-only failure ledger.
type AttemptError struct {
	ID              int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TranscriptionId uuid.UUID `json:"transcription_id" gorm:"type:uuid;not null;index:idx_attempt_errors_transcription_id"`
	AttemptNumber   int       `json:"attempt_number" gorm:"type:integer;not null"`
	ErrorMessage    string    `json:"error_message" gorm:"type:text;not null"`
	ErrorType       string    `json:"error_type" gorm:"type:varchar(64)"`
	WorkerId        string    `json:"worker_id" gorm:"type:varchar(255)"`
	CreatedAt       time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
}

func (AttemptError) TableName() string {
	return "transcription_attempt_errors"
}
