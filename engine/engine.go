package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/krshsl/praxis/feedback/models"
)

// TranscribeOptions tunes a single transcription request
type TranscribeOptions struct {
	Language           string
	Filename           string
	SpeakerDiarization bool
	WordTimestamps     bool
}

// TranscriptResult is the engine-neutral output of a transcription
type TranscriptResult struct {
	FullText string
	Segments []models.Segment
	Speakers []models.Speaker
	Language string
	Duration float64 // seconds
}

// AnalysisResult is the engine-neutral output of an analysis
type AnalysisResult struct {
	StructuralAnalysis models.StructuralAnalysis `json:"structural_analysis"`
	SpeechHabits       models.SpeechHabits       `json:"speech_habits"`
	OverallScore       float64                   `json:"overall_score"`
	Recommendations    []string                  `json:"recommendations"`
}

// TranscriptionEngine turns audio into timed text
type TranscriptionEngine interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*TranscriptResult, error)
	SupportedLanguages() []string
	Name() string
}

// AnalysisEngine turns timed text into scored feedback
type AnalysisEngine interface {
	Analyze(ctx context.Context, transcript *TranscriptResult) (*AnalysisResult, error)
	Name() string
}

// Kind classifies engine failures
type Kind int

const (
	KindBackend Kind = iota
	KindUnavailable
	KindUnsupportedInput
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "engine unavailable"
	case KindUnsupportedInput:
		return "unsupported input"
	default:
		return "engine error"
	}
}

// Sentinels for errors.Is checks against *Error
var (
	ErrUnavailable      = &Error{Kind: KindUnavailable}
	ErrUnsupportedInput = &Error{Kind: KindUnsupportedInput}
	ErrBackend          = &Error{Kind: KindBackend}
)

// Error is returned by every engine. Message keeps the backend's own diagnostic.
type Error struct {
	Kind    Kind
	Engine  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Engine == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Engine, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func unavailable(engine string, err error) error {
	return &Error{Kind: KindUnavailable, Engine: engine, Err: err}
}

func unsupported(engine, format string, args ...any) error {
	return &Error{Kind: KindUnsupportedInput, Engine: engine, Message: fmt.Sprintf(format, args...)}
}

func backendError(engine string, err error) error {
	return &Error{Kind: KindBackend, Engine: engine, Err: err}
}

func supports(languages []string, lang string) bool {
	if lang == "" {
		return true
	}
	for _, l := range languages {
		if l == lang {
			return true
		}
	}
	return false
}
