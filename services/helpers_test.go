package services

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/krshsl/praxis/feedback/engine"
	"github.com/krshsl/praxis/feedback/events"
	"github.com/krshsl/praxis/feedback/models"
	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *repository.GORMRepository {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := repository.NewGORMRepository(db, discardLogger())
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return repo
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return client, mini
}

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	client, mini := newTestRedis(t)
	return queue.New(client, "audio-processing", queue.Options{}, discardLogger()), mini
}

func createSession(t *testing.T, repo *repository.GORMRepository, deleteAfter bool) *models.Session {
	t.Helper()
	session := &models.Session{Language: "en", DeleteAfterAnalysis: deleteAfter}
	if err := repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func writeAudio(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// claimForUpload puts a created session into UPLOADING with the given audio
func claimForUpload(t *testing.T, repo *repository.GORMRepository, id, path string) {
	t.Helper()
	err := repo.TransitionStatus(context.Background(), id, models.StatusCreated, models.StatusUploading,
		map[string]interface{}{"original_audio_path": path})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
}

func completeSession(t *testing.T, repo *repository.GORMRepository, id, path string) {
	t.Helper()
	ctx := context.Background()
	claimForUpload(t, repo, id, path)
	if err := repo.TransitionStatus(ctx, id, models.StatusUploading, models.StatusTranscribing, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveTranscript(ctx, id, &models.Transcript{FullText: "hi"}, 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveAnalysis(ctx, id, &models.Analysis{
		OverallScore:    80,
		Recommendations: datatypes.JSONSlice[string]{},
		EngineUsed:      "test",
	}); err != nil {
		t.Fatal(err)
	}
}

func mustSession(t *testing.T, repo *repository.GORMRepository, id string) *models.Session {
	t.Helper()
	s, err := repo.GetSession(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("GetSession(%s) = %v, %v", id, s, err)
	}
	return s
}

type fakeTranscriber struct {
	result *engine.TranscriptResult
	err    error
	panic  any
	calls  int
	opts   engine.TranscribeOptions
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, opts engine.TranscribeOptions) (*engine.TranscriptResult, error) {
	f.calls++
	f.opts = opts
	if f.panic != nil {
		panic(f.panic)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeTranscriber) SupportedLanguages() []string { return models.SupportedLanguages }
func (f *fakeTranscriber) Name() string                 { return "fake-stt" }

type fakeAnalyzer struct {
	result *engine.AnalysisResult
	err    error
	panic  any
	before func()
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ *engine.TranscriptResult) (*engine.AnalysisResult, error) {
	if f.before != nil {
		f.before()
	}
	if f.panic != nil {
		panic(f.panic)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) Name() string { return "fake-analyzer" }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func sampleTranscript() *engine.TranscriptResult {
	return &engine.TranscriptResult{
		FullText: "Tell me about yourself? I build distributed systems.",
		Language: "en",
		Duration: 61.6,
		Segments: []models.Segment{
			{ID: "seg_0", Start: 0, End: 2.5, Text: "Tell me about yourself?", SpeakerID: "Speaker_A", Confidence: 0.9},
			{ID: "seg_1", Start: 3, End: 61.6, Text: "I build distributed systems.", SpeakerID: "Speaker_B", Confidence: 0.9},
		},
		Speakers: []models.Speaker{{ID: "Speaker_A"}, {ID: "Speaker_B"}},
	}
}

func sampleAnalysis() *engine.AnalysisResult {
	return &engine.AnalysisResult{
		StructuralAnalysis: models.StructuralAnalysis{AppropriatenessScore: 0.8},
		SpeechHabits:       models.SpeechHabits{SpeakingRate: 140},
		OverallScore:       78.5,
		Recommendations:    []string{"Give a concrete example."},
	}
}
