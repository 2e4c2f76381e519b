package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QuestionResponsePair links an interviewer question to the answer that followed it
type QuestionResponsePair struct {
	QuestionSegmentID string  `json:"question_segment_id"`
	ResponseSegmentID string  `json:"response_segment_id"`
	QuestionIntent    string  `json:"question_intent,omitempty"`
	Appropriateness   float64 `json:"appropriateness"` // 0..1
	Feedback          string  `json:"feedback,omitempty"`
}

type KeywordMatch struct {
	Keyword   string   `json:"keyword"`
	Count     int      `json:"count"`
	Segments  []string `json:"segments"`
	Relevance float64  `json:"relevance"`
}

type StructuralAnalysis struct {
	QuestionResponsePairs []QuestionResponsePair `json:"question_response_pairs"`
	AppropriatenessScore  float64                `json:"appropriateness_score"` // 0..1
	KeywordMatches        []KeywordMatch         `json:"keyword_matches"`
}

type SilenceInterval struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

type FillerWord struct {
	Word       string    `json:"word"`
	Count      int       `json:"count"`
	Timestamps []float64 `json:"timestamps"`
}

type SpeechHabits struct {
	SilenceDurations     []SilenceInterval `json:"silence_durations"`
	FillerWords          []FillerWord      `json:"filler_words"`
	SpeakingRate         float64           `json:"speaking_rate"` // words per minute
	AveragePauseDuration float64           `json:"average_pause_duration"`
}

// Analysis is the scored feedback derived from a transcript. Written once.
type Analysis struct {
	ID                 string                                 `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID          string                                 `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	StructuralAnalysis datatypes.JSONType[StructuralAnalysis] `json:"structural_analysis"`
	SpeechHabits       datatypes.JSONType[SpeechHabits]       `json:"speech_habits"`
	OverallScore       float64                                `gorm:"type:decimal(5,2);not null;check:overall_score >= 0 AND overall_score <= 100" json:"overall_score"`
	Recommendations    datatypes.JSONSlice[string]            `json:"recommendations"`
	EngineUsed         string                                 `gorm:"type:varchar(64);not null" json:"engine_used"`
	CreatedAt          time.Time                              `json:"created_at"`
}

func (a *Analysis) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
