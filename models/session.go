package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a recording session
type SessionStatus string

const (
	StatusCreated      SessionStatus = "CREATED"
	StatusUploading    SessionStatus = "UPLOADING"
	StatusTranscribing SessionStatus = "TRANSCRIBING"
	StatusAnalyzing    SessionStatus = "ANALYZING"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusFailed       SessionStatus = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the legal successors of every status
var transitions = map[SessionStatus][]SessionStatus{
	StatusCreated:      {StatusUploading},
	StatusUploading:    {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:    {StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {StatusUploading},
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Uploadable reports whether a new recording may be accepted in this status
func (s SessionStatus) Uploadable() bool {
	return s == StatusCreated || s == StatusFailed
}

// InProgress reports whether the pipeline is currently working on the session
func (s SessionStatus) InProgress() bool {
	return s == StatusUploading || s == StatusTranscribing || s == StatusAnalyzing
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states when the edge is illegal
func ValidateTransition(from, to SessionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Session is one recording attempt and its pipeline state
type Session struct {
	ID                  string        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              *string       `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Language            string        `gorm:"type:varchar(10);not null" json:"language"`
	Description         string        `gorm:"type:text" json:"description,omitempty"`
	Status              SessionStatus `gorm:"type:varchar(20);not null;default:'CREATED';index;check:status IN ('CREATED', 'UPLOADING', 'TRANSCRIBING', 'ANALYZING', 'COMPLETED', 'FAILED')" json:"status"`
	OriginalAudioPath   *string       `gorm:"type:text" json:"original_audio_path,omitempty"`
	AudioDuration       *int          `json:"audio_duration,omitempty"` // seconds
	DeleteAfterAnalysis bool          `gorm:"not null;default:false" json:"delete_after_analysis"`
	ErrorMessage        *string       `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`

	// Relationships
	Transcript *Transcript `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"transcript,omitempty"`
	Analysis   *Analysis   `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"analysis,omitempty"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusCreated
	}
	return nil
}

// AudioPath returns the stored audio location or "" before the first upload
func (s *Session) AudioPath() string {
	if s.OriginalAudioPath == nil {
		return ""
	}
	return *s.OriginalAudioPath
}
