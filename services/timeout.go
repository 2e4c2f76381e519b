package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
)

const (
	DefaultStuckTimeout  = 30 * time.Minute
	DefaultCheckInterval = time.Minute
)

// SessionTimeoutService fails sessions that sit in an in-progress status with
// no queued or running job behind them, e.g. when the process died between
// claiming a session and enqueueing its job.
type SessionTimeoutService struct {
	repo     *repository.GORMRepository
	queue    *queue.Queue
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessionTimeoutService(repo *repository.GORMRepository, q *queue.Queue, timeout time.Duration, logger *slog.Logger) *SessionTimeoutService {
	if timeout <= 0 {
		timeout = DefaultStuckTimeout
	}
	return &SessionTimeoutService{
		repo:     repo,
		queue:    q,
		timeout:  timeout,
		interval: DefaultCheckInterval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run checks for stuck sessions until ctx is cancelled
func (s *SessionTimeoutService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.checkTimeouts(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Stuck session check failed", "error", err)
			}
		}
	}
}

func (s *SessionTimeoutService) checkTimeouts(ctx context.Context) (int, error) {
	sessions, err := s.repo.ListStaleInProgress(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, session := range sessions {
		job, err := s.queue.FindByKey(ctx, session.ID)
		if err != nil {
			s.logger.Warn("Failed to look up job for stuck session", "session_id", session.ID, "error", err)
			continue
		}
		if job != nil && job.State != queue.StateCompleted && job.State != queue.StateFailed {
			// still owned by the queue
			continue
		}
		if err := s.repo.MarkFailed(ctx, session.ID, "processing timed out"); err != nil {
			s.logger.Warn("Failed to time out session", "session_id", session.ID, "error", err)
			continue
		}
		s.logger.Warn("Session timed out", "session_id", session.ID, "status", session.Status, "last_update", session.UpdatedAt)
		failed++
	}
	return failed, nil
}
