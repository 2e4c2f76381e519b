package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Word is a single timed token inside a segment
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Segment is a contiguous stretch of speech from one speaker
type Segment struct {
	ID         string  `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	SpeakerID  string  `json:"speaker_id"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

type Speaker struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Transcript is the timed text produced for a session. Written once.
type Transcript struct {
	ID        string                       `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string                       `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	FullText  string                       `gorm:"type:text;not null" json:"full_text"`
	Language  string                       `gorm:"type:varchar(10)" json:"language"`
	Duration  float64                      `json:"duration"` // seconds
	Segments  datatypes.JSONSlice[Segment] `json:"segments"`
	Speakers  datatypes.JSONSlice[Speaker] `json:"speakers,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
}

func (t *Transcript) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
