package models

// Database schema overview:
// 1. sessions - one row per recording attempt, owns the lifecycle status
// 2. transcripts - timed text for a session (1:1, cascade-deleted)
// 3. analyses - scored feedback for a session (1:1, cascade-deleted)

// SupportedLanguages are the language codes a session may be created with
var SupportedLanguages = []string{"ja", "ko", "en"}

// AllModels returns every table the service migrates
func AllModels() []interface{} {
	return []interface{}{&Session{}, &Transcript{}, &Analysis{}}
}

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	Language            string `json:"language" validate:"required,oneof=ja ko en"`
	Description         string `json:"description,omitempty" validate:"max=2000"`
	DeleteAfterAnalysis bool   `json:"deleteAfterAnalysis"`
}

// AudioJobPayload is the queue message that drives one pipeline run
type AudioJobPayload struct {
	SessionID        string `json:"sessionId"`
	AudioFilePath    string `json:"audioFilePath"`
	OriginalFileName string `json:"originalFileName"`
}

// AudioJobResult is recorded on the job when a run completes
type AudioJobResult struct {
	SessionID     string        `json:"sessionId"`
	Status        SessionStatus `json:"status"`
	STTDuration   float64       `json:"sttDuration"`
	AnalysisScore float64       `json:"analysisScore"`
}

// UploadResponse is returned with 202 once a job is queued
type UploadResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
}

// JobStatusResponse reports persisted session status plus live queue diagnostics
type JobStatusResponse struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	JobID        string `json:"jobId,omitempty"`
	JobState     string `json:"jobState,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
	AttemptsMade *int   `json:"attemptsMade,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

type DeleteSessionResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// ErrorResponse is the JSON body for rejected requests
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}
