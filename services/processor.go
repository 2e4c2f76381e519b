package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"gorm.io/datatypes"

	"github.com/krshsl/praxis/feedback/engine"
	"github.com/krshsl/praxis/feedback/events"
	"github.com/krshsl/praxis/feedback/models"
	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStaleJob        = errors.New("stale job")
)

// Progress checkpoints of one pipeline run
const (
	progressTranscribing = 10
	progressTranscribed  = 50
	progressAnalyzing    = 60
	progressAnalyzed     = 90
	progressCompleted    = 100
)

// ProgressReporter receives pipeline checkpoints
type ProgressReporter func(ctx context.Context, progress int) error

// AudioProcessor drives one session through transcription and analysis
type AudioProcessor struct {
	repo        *repository.GORMRepository
	transcriber engine.TranscriptionEngine
	analyzer    engine.AnalysisEngine
	publisher   events.Publisher
	logger      *slog.Logger
}

func NewAudioProcessor(
	repo *repository.GORMRepository,
	transcriber engine.TranscriptionEngine,
	analyzer engine.AnalysisEngine,
	publisher events.Publisher,
	logger *slog.Logger,
) *AudioProcessor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AudioProcessor{
		repo:        repo,
		transcriber: transcriber,
		analyzer:    analyzer,
		publisher:   publisher,
		logger:      logger,
	}
}

// Handle adapts Process to the worker pool
func (p *AudioProcessor) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.AudioJobPayload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("invalid job payload: %w", err))
	}
	return p.Process(ctx, job.ID, payload, job.UpdateProgress)
}

// Process runs the pipeline for the job's session. Any failure after the
// session has been claimed leaves it FAILED with the error message and is
// returned so the queue can retry. Unsupported input is returned as a
// permanent error.
func (p *AudioProcessor) Process(ctx context.Context, jobID string, payload models.AudioJobPayload, report ProgressReporter) (*models.AudioJobResult, error) {
	logger := p.logger.With("session_id", payload.SessionID, "job_id", jobID)

	session, err := p.repo.GetSession(ctx, payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		logger.Warn("Session not found for job")
		return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrSessionNotFound, payload.SessionID))
	}

	if err := p.claim(ctx, session, payload, logger); err != nil {
		return nil, err
	}

	result, err := p.run(ctx, jobID, session, payload, report, logger)
	if err != nil {
		logger.Error("Pipeline failed", "error", err)
		if ferr := p.repo.MarkFailed(ctx, session.ID, err.Error()); ferr != nil {
			logger.Error("Failed to record pipeline failure", "error", ferr)
		}
		p.publish(ctx, events.Event{
			Type:      events.TypeFailed,
			SessionID: session.ID,
			JobID:     jobID,
			Status:    string(models.StatusFailed),
			Error:     err.Error(),
		}, logger)
		if errors.Is(err, engine.ErrUnsupportedInput) {
			// the same input fails the same way on every attempt
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	if session.DeleteAfterAnalysis {
		if err := os.Remove(payload.AudioFilePath); err != nil {
			logger.Warn("Failed to delete audio after analysis", "path", payload.AudioFilePath, "error", err)
		} else {
			logger.Info("Audio deleted after analysis", "path", payload.AudioFilePath)
		}
	}
	return result, nil
}

// claim checks the job still matches the session and brings the session back
// to UPLOADING when an earlier delivery left it failed or half-done.
func (p *AudioProcessor) claim(ctx context.Context, session *models.Session, payload models.AudioJobPayload, logger *slog.Logger) error {
	if session.AudioPath() != payload.AudioFilePath {
		logger.Warn("Job superseded by a newer upload", "job_audio", payload.AudioFilePath, "session_audio", session.AudioPath())
		return queue.Permanent(fmt.Errorf("%w: audio %s is no longer current for session %s", ErrStaleJob, payload.AudioFilePath, session.ID))
	}

	switch session.Status {
	case models.StatusUploading:
		return nil
	case models.StatusTranscribing, models.StatusAnalyzing:
		logger.Warn("Recovering interrupted run", "status", session.Status)
		if err := p.repo.MarkFailed(ctx, session.ID, "interrupted"); err != nil {
			return err
		}
		session.Status = models.StatusFailed
		fallthrough
	case models.StatusFailed:
		if err := p.repo.TransitionStatus(ctx, session.ID, models.StatusFailed, models.StatusUploading, nil); err != nil {
			return err
		}
		session.Status = models.StatusUploading
		return nil
	default:
		return queue.Permanent(fmt.Errorf("%w: session %s is %s", ErrStaleJob, session.ID, session.Status))
	}
}

func (p *AudioProcessor) run(ctx context.Context, jobID string, session *models.Session, payload models.AudioJobPayload, report ProgressReporter, logger *slog.Logger) (result *models.AudioJobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errors.New(fmt.Sprint(r))
			}
			logger.Error("Pipeline panicked", "panic", r)
		}
	}()

	checkpoint := func(status models.SessionStatus, progress int) {
		if err := report(ctx, progress); err != nil {
			logger.Warn("Failed to report progress", "progress", progress, "error", err)
		}
		typ := events.TypeProgress
		if progress == progressCompleted {
			typ = events.TypeCompleted
		}
		p.publish(ctx, events.Event{
			Type:      typ,
			SessionID: session.ID,
			JobID:     jobID,
			Status:    string(status),
			Progress:  progress,
		}, logger)
	}

	if err := p.repo.TransitionStatus(ctx, session.ID, models.StatusUploading, models.StatusTranscribing, nil); err != nil {
		return nil, err
	}
	checkpoint(models.StatusTranscribing, progressTranscribing)

	audio, err := os.ReadFile(payload.AudioFilePath)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	transcript, err := p.transcriber.Transcribe(ctx, audio, engine.TranscribeOptions{
		Language:           session.Language,
		Filename:           payload.OriginalFileName,
		SpeakerDiarization: true,
		WordTimestamps:     true,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Transcription finished", "engine", p.transcriber.Name(), "segments", len(transcript.Segments), "elapsed", time.Since(started))
	checkpoint(models.StatusTranscribing, progressTranscribed)

	language := transcript.Language
	if language == "" {
		language = session.Language
	}
	record := &models.Transcript{
		FullText: transcript.FullText,
		Language: language,
		Duration: transcript.Duration,
		Segments: datatypes.JSONSlice[models.Segment](transcript.Segments),
		Speakers: datatypes.JSONSlice[models.Speaker](transcript.Speakers),
	}
	if err := p.repo.SaveTranscript(ctx, session.ID, record, int(math.Round(transcript.Duration))); err != nil {
		return nil, err
	}
	checkpoint(models.StatusAnalyzing, progressAnalyzing)

	started = time.Now()
	analysis, err := p.analyzer.Analyze(ctx, transcript)
	if err != nil {
		return nil, err
	}
	logger.Info("Analysis finished", "engine", p.analyzer.Name(), "score", analysis.OverallScore, "elapsed", time.Since(started))
	checkpoint(models.StatusAnalyzing, progressAnalyzed)

	if err := p.repo.SaveAnalysis(ctx, session.ID, &models.Analysis{
		StructuralAnalysis: datatypes.NewJSONType(analysis.StructuralAnalysis),
		SpeechHabits:       datatypes.NewJSONType(analysis.SpeechHabits),
		OverallScore:       analysis.OverallScore,
		Recommendations:    datatypes.JSONSlice[string](analysis.Recommendations),
		EngineUsed:         p.analyzer.Name(),
	}); err != nil {
		return nil, err
	}
	checkpoint(models.StatusCompleted, progressCompleted)

	return &models.AudioJobResult{
		SessionID:     session.ID,
		Status:        models.StatusCompleted,
		STTDuration:   transcript.Duration,
		AnalysisScore: analysis.OverallScore,
	}, nil
}

func (p *AudioProcessor) publish(ctx context.Context, event events.Event, logger *slog.Logger) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish session event", "type", event.Type, "error", err)
	}
}
