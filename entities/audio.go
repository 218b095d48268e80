package entities

import (
	"github.com/google/uuid"
	"time"
)

type Audio struct {
	ID                  uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	OriginalKey         string    `json:"original_key" gorm:"type:varchar(500);not null"`
	OriginalContentType *string   `json:"original_content_type" gorm:"type:varchar(255)"`
	OriginalFilename    *string   `json:"original_filename" gorm:"type:varchar(500)"`
	CreatedAt           time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
}

func (Audio) TableName() string {
	return "audios"
}
