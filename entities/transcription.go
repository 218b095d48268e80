package entities

import (
	"github.com/google/uuid"
	"time"
)

type Transcription struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	AudioId           uuid.UUID  `json:"audio_id" gorm:"type:uuid;not null;index:idx_transcriptions_audio_id"`
	Status            string     `json:"status" gorm:"type:varchar(20);not null;default:'queued';index:idx_transcriptions_status"`
	AttemptCount      int        `json:"attempt_count" gorm:"type:integer;not null;default:0"`
	LockedAt          *time.Time `json:"locked_at" gorm:"type:timestamptz"`
	LockedBy          *string    `json:"locked_by" gorm:"type:varchar(255)"`
	TranscriptText    *string    `json:"transcript_text" gorm:"type:text"`
	TranscriptJson    *string    `json:"transcript_json" gorm:"type:jsonb"`
	ConvertedAudioKey *string    `json:"converted_audio_key" gorm:"type:varchar(500)"`
	CreatedAt         time.Time  `json:"created_at" gorm:"type:timestamptz;not null"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"type:timestamptz;not null"`
}

func (Transcription) TableName() string {
	return "transcriptions"
}
