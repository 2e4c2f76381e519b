package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krshsl/praxis/feedback/models"
	"gorm.io/gorm"
)

// ErrStatusConflict is returned when a compare-and-set status write finds the
// session in a different state than the caller expected.
var ErrStatusConflict = errors.New("session status changed concurrently")

type GORMRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewGORMRepository(db *gorm.DB, logger *slog.Logger) *GORMRepository {
	return &GORMRepository{db: db, logger: logger}
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(models.AllModels()...)
}

// Ping checks the underlying connection
func (r *GORMRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Session operations
func (r *GORMRepository) CreateSession(ctx context.Context, session *models.Session) error {
	session.Status = models.StatusCreated
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		r.logger.Error("Failed to create session", "error", err)
		return err
	}
	r.logger.Info("Session created", "session_id", session.ID, "language", session.Language)
	return nil
}

func (r *GORMRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("Failed to get session", "error", err, "session_id", id)
		return nil, err
	}
	return &session, nil
}

// GetSessionWithResults loads the session together with its transcript and analysis
func (r *GORMRepository) GetSessionWithResults(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Preload("Transcript").
		Preload("Analysis").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("Failed to get session with results", "error", err, "session_id", id)
		return nil, err
	}
	return &session, nil
}

// ListSessions returns the newest sessions first
func (r *GORMRepository) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&sessions).Error; err != nil {
		r.logger.Error("Failed to list sessions", "error", err)
		return nil, err
	}
	return sessions, nil
}

// ListStaleInProgress returns in-progress sessions not updated since before
func (r *GORMRepository) ListStaleInProgress(ctx context.Context, before time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.SessionStatus{
			models.StatusUploading, models.StatusTranscribing, models.StatusAnalyzing,
		}, before).
		Order("updated_at ASC").
		Find(&sessions).Error
	if err != nil {
		r.logger.Error("Failed to list stale sessions", "error", err)
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes the session and its transcript and analysis in one
// transaction. It reports false when no session row existed.
func (r *GORMRepository) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.Transcript{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Session{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to delete session", "error", err, "session_id", id)
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted {
		r.logger.Info("Session deleted", "session_id", id)
	}
	return deleted, nil
}

// TransitionStatus moves a session from one status to the next in a single
// conditional write. extra carries additional columns for the same update.
func (r *GORMRepository) TransitionStatus(ctx context.Context, id string, from, to models.SessionStatus, extra map[string]interface{}) error {
	if err := transition(r.db.WithContext(ctx), id, from, to, extra); err != nil {
		r.logger.Warn("Status transition rejected", "session_id", id, "from", from, "to", to, "error", err)
		return err
	}
	r.logger.Info("Session status changed", "session_id", id, "from", from, "to", to)
	return nil
}

// MarkFailed records a pipeline failure on a session that is still in progress.
func (r *GORMRepository) MarkFailed(ctx context.Context, id, message string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, []models.SessionStatus{
			models.StatusUploading, models.StatusTranscribing, models.StatusAnalyzing,
		}).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": message,
		})
	if res.Error != nil {
		r.logger.Error("Failed to mark session failed", "error", res.Error, "session_id", id)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s is not in progress", ErrStatusConflict, id)
	}
	r.logger.Info("Session marked failed", "session_id", id, "reason", message)
	return nil
}

// SaveTranscript stores the transcript, records the rounded audio duration and
// advances TRANSCRIBING -> ANALYZING as one logical update. Results from an
// earlier run of the same session are replaced.
func (r *GORMRepository) SaveTranscript(ctx context.Context, sessionID string, transcript *models.Transcript, durationSeconds int) error {
	transcript.SessionID = sessionID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Transcript{}).Error; err != nil {
			return err
		}
		if err := tx.Create(transcript).Error; err != nil {
			return err
		}
		return transition(tx, sessionID, models.StatusTranscribing, models.StatusAnalyzing, map[string]interface{}{
			"audio_duration": durationSeconds,
		})
	})
	if err != nil {
		r.logger.Error("Failed to save transcript", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	r.logger.Info("Transcript saved", "session_id", sessionID, "segments", len(transcript.Segments), "duration", durationSeconds)
	return nil
}

// SaveAnalysis stores the analysis and advances ANALYZING -> COMPLETED.
func (r *GORMRepository) SaveAnalysis(ctx context.Context, sessionID string, analysis *models.Analysis) error {
	analysis.SessionID = sessionID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Create(analysis).Error; err != nil {
			return err
		}
		return transition(tx, sessionID, models.StatusAnalyzing, models.StatusCompleted, nil)
	})
	if err != nil {
		r.logger.Error("Failed to save analysis", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	r.logger.Info("Analysis saved", "session_id", sessionID, "engine", analysis.EngineUsed, "score", analysis.OverallScore)
	return nil
}

func transition(db *gorm.DB, id string, from, to models.SessionStatus, extra map[string]interface{}) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}
	updates := map[string]interface{}{"status": to}
	if to != models.StatusFailed {
		updates["error_message"] = nil
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&models.Session{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s is not %s", ErrStatusConflict, id, from)
	}
	return nil
}
