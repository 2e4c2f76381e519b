package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/krshsl/praxis/feedback/models"
	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type SessionEndpoints struct {
	repo      *repository.GORMRepository
	queue     *queue.Queue
	uploadDir string
	maxBytes  int64
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewSessionEndpoints(repo *repository.GORMRepository, q *queue.Queue, upload UploadConfig, logger *slog.Logger) *SessionEndpoints {
	return &SessionEndpoints{
		repo:      repo,
		queue:     q,
		uploadDir: upload.Dir,
		maxBytes:  upload.MaxBytes,
		validate:  validator.New(),
		logger:    logger,
	}
}

type GetSessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
	Count    int              `json:"count"`
}

func (e *SessionEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", e.CreateSessionHandler)
		r.Get("/", e.GetSessionsHandler)
		r.Get("/{id}", e.GetSessionHandler)
		r.Delete("/{id}", e.DeleteSessionHandler)
		r.Post("/{id}/upload", e.UploadAudioHandler)
		r.Get("/{id}/job-status", e.JobStatusHandler)
		r.Get("/{id}/audio", e.AudioHandler)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (e *SessionEndpoints) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := e.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	session := models.Session{
		Language:            req.Language,
		Description:         req.Description,
		DeleteAfterAnalysis: req.DeleteAfterAnalysis,
	}
	if userID, ok := UserIDFromContext(r.Context()); ok {
		session.UserID = &userID
	}

	if err := e.repo.CreateSession(r.Context(), &session); err != nil {
		e.logger.Error("Failed to create session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, session)
	e.logger.Info("Session created", "session_id", session.ID, "language", session.Language)
}

func (e *SessionEndpoints) GetSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := e.repo.ListSessions(r.Context(), limit)
	if err != nil {
		e.logger.Error("Failed to list sessions", "error", err)
		http.Error(w, "Failed to get sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, GetSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (e *SessionEndpoints) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := e.repo.GetSessionWithResults(r.Context(), id)
	if err != nil {
		e.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (e *SessionEndpoints) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := e.repo.GetSession(r.Context(), id)
	if err != nil {
		e.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	deleted, err := e.repo.DeleteSession(r.Context(), id)
	if err != nil {
		e.logger.Error("Failed to delete session", "error", err, "session_id", id)
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if path := session.AudioPath(); path != "" {
		e.discardUpload(path)
	}

	writeJSON(w, http.StatusOK, models.DeleteSessionResponse{
		Message:   "Session deleted successfully",
		SessionID: id,
	})
	e.logger.Info("Session deleted", "session_id", id)
}

// UploadAudioHandler checks the session accepts uploads, stores the recording,
// claims the session and queues the pipeline. It never waits for processing.
func (e *SessionEndpoints) UploadAudioHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, e.maxBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		if isTooLarge(err) {
			http.Error(w, fmt.Sprintf("Audio file exceeds %d bytes", e.maxBytes), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if !models.AllowedUploadTypes[strings.ToLower(contentType)] {
		http.Error(w, fmt.Sprintf("Unsupported audio type %q", contentType), http.StatusUnsupportedMediaType)
		return
	}

	session, err := e.repo.GetSession(ctx, id)
	if err != nil {
		e.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to upload audio", http.StatusInternalServerError)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
		return
	}
	if !session.Status.Uploadable() {
		e.rejectConflict(w, session.Status)
		return
	}

	path, err := e.store(id, header.Filename, file)
	if err != nil {
		e.logger.Error("Failed to store upload", "error", err, "session_id", id)
		http.Error(w, "Failed to store audio", http.StatusInternalServerError)
		return
	}

	previous := session.AudioPath()
	err = e.repo.TransitionStatus(ctx, id, session.Status, models.StatusUploading, map[string]interface{}{
		"original_audio_path": path,
	})
	if err != nil {
		e.discardUpload(path)
		if errors.Is(err, repository.ErrStatusConflict) {
			// lost a race with another upload
			current := session.Status
			if fresh, gerr := e.repo.GetSession(ctx, id); gerr == nil && fresh != nil {
				current = fresh.Status
			}
			e.rejectConflict(w, current)
			return
		}
		e.logger.Error("Failed to claim session for upload", "error", err, "session_id", id)
		http.Error(w, "Failed to upload audio", http.StatusInternalServerError)
		return
	}
	if previous != "" && previous != path {
		e.discard(previous)
	}

	job, err := e.queue.Add(ctx, id, models.AudioJobPayload{
		SessionID:        id,
		AudioFilePath:    path,
		OriginalFileName: header.Filename,
	})
	if err != nil {
		e.logger.Error("Failed to enqueue audio job", "error", err, "session_id", id)
		if ferr := e.repo.MarkFailed(ctx, id, err.Error()); ferr != nil {
			e.logger.Error("Failed to mark session failed", "error", ferr, "session_id", id)
		}
		http.Error(w, "Processing queue unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, models.UploadResponse{
		Message:   "Audio uploaded and queued for processing",
		SessionID: id,
		JobID:     job.ID,
		Status:    "QUEUED",
	})
	e.logger.Info("Audio queued", "session_id", id, "job_id", job.ID, "file", header.Filename, "bytes", header.Size)
}

func (e *SessionEndpoints) rejectConflict(w http.ResponseWriter, status models.SessionStatus) {
	writeJSON(w, http.StatusConflict, models.ErrorResponse{
		Error:  fmt.Sprintf("Session is %s; uploads are accepted only in CREATED or FAILED", status),
		Status: string(status),
	})
}

// store writes the upload to {uploadDir}/{sessionID}/{base}-{unixMillis}{ext}
func (e *SessionEndpoints) store(sessionID, filename string, src multipart.File) (string, error) {
	dir := filepath.Join(e.uploadDir, filepath.Base(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	name := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(name))
	base := sanitizeName(strings.TrimSuffix(name, filepath.Ext(name)))
	path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, time.Now().UnixMilli(), ext))

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create audio file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	return path, nil
}

// discardUpload removes a rejected upload and its session directory when
// nothing else is stored there.
func (e *SessionEndpoints) discardUpload(path string) {
	e.discard(path)
	os.Remove(filepath.Dir(path))
}

func (e *SessionEndpoints) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("Failed to remove audio file", "path", path, "error", err)
	}
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "audio"
	}
	return s
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func (e *SessionEndpoints) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	session, err := e.repo.GetSession(ctx, id)
	if err != nil {
		e.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to get job status", http.StatusInternalServerError)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, models.JobStatusResponse{SessionID: id, Status: "NOT_FOUND", Progress: 0})
		return
	}

	resp := models.JobStatusResponse{SessionID: id, Status: string(session.Status)}

	job, err := e.queue.FindByKey(ctx, id)
	if err != nil {
		e.logger.Warn("Failed to look up job", "error", err, "session_id", id)
	}
	if job == nil {
		if session.Status == models.StatusCompleted {
			resp.Progress = 100
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	attempts := job.AttemptsMade
	resp.Progress = job.Progress
	resp.JobID = job.ID
	resp.JobState = string(job.State)
	resp.FailedReason = job.FailedReason
	resp.AttemptsMade = &attempts
	resp.Timestamp = job.Timestamp
	writeJSON(w, http.StatusOK, resp)
}

func (e *SessionEndpoints) AudioHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := e.repo.GetSession(r.Context(), id)
	if err != nil {
		e.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to get audio", http.StatusInternalServerError)
		return
	}
	if session == nil || session.AudioPath() == "" {
		http.Error(w, "Audio not found", http.StatusNotFound)
		return
	}
	serveAudio(w, r, session.AudioPath(), e.logger)
}
