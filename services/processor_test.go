package services

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/krshsl/praxis/feedback/engine"
	"github.com/krshsl/praxis/feedback/events"
	"github.com/krshsl/praxis/feedback/models"
	"github.com/krshsl/praxis/feedback/queue"
)

type progressLog []int

func (p *progressLog) report(_ context.Context, v int) error {
	*p = append(*p, v)
	return nil
}

type processorFixture struct {
	processor   *AudioProcessor
	transcriber *fakeTranscriber
	analyzer    *fakeAnalyzer
	publisher   *recordingPublisher
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	repo := newTestRepo(t)
	f := &processorFixture{
		transcriber: &fakeTranscriber{result: sampleTranscript()},
		analyzer:    &fakeAnalyzer{result: sampleAnalysis()},
		publisher:   &recordingPublisher{},
	}
	f.processor = NewAudioProcessor(repo, f.transcriber, f.analyzer, f.publisher, discardLogger())
	return f
}

func setupUploadedSession(t *testing.T, deleteAfter bool) (*processorFixture, *models.Session, models.AudioJobPayload) {
	t.Helper()
	f := newProcessorFixture(t)
	session := createSession(t, f.processor.repo, deleteAfter)
	path := writeAudio(t, t.TempDir(), "answer.mp3", 1000)
	claimForUpload(t, f.processor.repo, session.ID, path)
	return f, session, models.AudioJobPayload{
		SessionID:        session.ID,
		AudioFilePath:    path,
		OriginalFileName: "answer.mp3",
	}
}

func TestProcess_Success(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	var progress progressLog

	result, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if want := []int{10, 50, 60, 90, 100}; !reflect.DeepEqual([]int(progress), want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if result.Status != models.StatusCompleted || result.STTDuration != 61.6 || result.AnalysisScore != 78.5 {
		t.Errorf("unexpected result %+v", result)
	}
	if f.transcriber.opts.Language != "en" || f.transcriber.opts.Filename != "answer.mp3" {
		t.Errorf("unexpected transcribe options %+v", f.transcriber.opts)
	}

	stored, err := f.processor.repo.GetSessionWithResults(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.AudioDuration == nil || *stored.AudioDuration != 62 {
		t.Errorf("expected rounded duration 62, got %v", stored.AudioDuration)
	}
	if stored.ErrorMessage != nil {
		t.Errorf("expected no error message, got %q", *stored.ErrorMessage)
	}
	if stored.Transcript == nil || len(stored.Transcript.Segments) != 2 {
		t.Fatalf("expected transcript with 2 segments, got %+v", stored.Transcript)
	}
	if stored.Analysis == nil || stored.Analysis.EngineUsed != "fake-analyzer" || stored.Analysis.OverallScore != 78.5 {
		t.Fatalf("unexpected analysis %+v", stored.Analysis)
	}
	if _, err := os.Stat(payload.AudioFilePath); err != nil {
		t.Errorf("audio should survive when deleteAfterAnalysis is false: %v", err)
	}

	last := f.publisher.events[len(f.publisher.events)-1]
	if last.Type != events.TypeCompleted || last.Progress != 100 || last.JobID != "1" {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestProcess_DeleteAfterAnalysis(t *testing.T) {
	f, session, payload := setupUploadedSession(t, true)
	var progress progressLog

	if _, err := f.processor.Process(context.Background(), "1", payload, progress.report); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := os.Stat(payload.AudioFilePath); !os.IsNotExist(err) {
		t.Errorf("audio should be removed after completion, stat err = %v", err)
	}
	if s := mustSession(t, f.processor.repo, session.ID); s.Status != models.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", s.Status)
	}
}

func TestProcess_DeleteFailureKeepsCompleted(t *testing.T) {
	f, session, payload := setupUploadedSession(t, true)
	// the recording disappears underneath the run, so the cleanup remove fails
	f.analyzer.before = func() { os.Remove(payload.AudioFilePath) }
	var progress progressLog

	result, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if err != nil {
		t.Fatalf("a failed cleanup must not fail the run: %v", err)
	}
	if result == nil || result.Status != models.StatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusCompleted || stored.ErrorMessage != nil {
		t.Errorf("expected COMPLETED without error, got %+v", stored)
	}
	if want := []int{10, 50, 60, 90, 100}; !reflect.DeepEqual([]int(progress), want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestProcess_UnsupportedInputIsPermanent(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	f.transcriber.err = &engine.Error{Kind: engine.KindUnsupportedInput, Engine: "fake-stt", Message: "language \"xx\" is not supported"}
	var progress progressLog

	_, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if !errors.Is(err, engine.ErrUnsupportedInput) {
		t.Fatalf("expected unsupported input error, got %v", err)
	}
	if !queue.IsPermanent(err) {
		t.Error("unsupported input cannot succeed on retry")
	}
	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusFailed || stored.ErrorMessage == nil || *stored.ErrorMessage != err.Error() {
		t.Errorf("unexpected session %+v", stored)
	}
}

func TestProcess_TranscriptionFailure(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	sttErr := errors.New("stt backend exploded")
	f.transcriber.err = sttErr
	var progress progressLog

	_, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if !errors.Is(err, sttErr) {
		t.Fatalf("expected the engine error to be returned, got %v", err)
	}
	if queue.IsPermanent(err) {
		t.Error("engine failures must stay retryable")
	}

	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", stored.Status)
	}
	if stored.ErrorMessage == nil || *stored.ErrorMessage != "stt backend exploded" {
		t.Errorf("unexpected error message %v", stored.ErrorMessage)
	}
	if want := []int{10}; !reflect.DeepEqual([]int(progress), want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}

	last := f.publisher.events[len(f.publisher.events)-1]
	if last.Type != events.TypeFailed || last.Error != "stt backend exploded" {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestProcess_PanicValueBecomesMessage(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	f.analyzer.panic = "analyzer blew up"
	var progress progressLog

	_, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if err == nil || err.Error() != "analyzer blew up" {
		t.Fatalf("expected panic value as error, got %v", err)
	}
	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusFailed || stored.ErrorMessage == nil || *stored.ErrorMessage != "analyzer blew up" {
		t.Errorf("unexpected session %+v", stored)
	}
	if want := []int{10, 50, 60}; !reflect.DeepEqual([]int(progress), want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestProcess_MissingAudioFile(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	os.Remove(payload.AudioFilePath)
	var progress progressLog

	if _, err := f.processor.Process(context.Background(), "1", payload, progress.report); err == nil {
		t.Fatal("expected an error")
	}
	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusFailed || stored.ErrorMessage == nil {
		t.Errorf("expected FAILED with message, got %+v", stored)
	}
	if f.transcriber.calls != 0 {
		t.Error("transcriber must not run without audio")
	}
}

func TestProcess_SessionNotFound(t *testing.T) {
	f := newProcessorFixture(t)
	var progress progressLog

	_, err := f.processor.Process(context.Background(), "1", models.AudioJobPayload{SessionID: "missing"}, progress.report)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if !queue.IsPermanent(err) {
		t.Error("a missing session cannot be fixed by retrying")
	}
	if len(progress) != 0 {
		t.Errorf("no progress expected, got %v", progress)
	}
}

func TestProcess_StaleJobLeavesSessionAlone(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	payload.AudioFilePath = payload.AudioFilePath + ".old"
	var progress progressLog

	_, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if !errors.Is(err, ErrStaleJob) || !queue.IsPermanent(err) {
		t.Fatalf("expected permanent ErrStaleJob, got %v", err)
	}
	if s := mustSession(t, f.processor.repo, session.ID); s.Status != models.StatusUploading {
		t.Errorf("stale job must not touch the session, got %s", s.Status)
	}
	if f.transcriber.calls != 0 {
		t.Error("stale job must not transcribe")
	}
}

func TestProcess_CompletedSessionIsStale(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	var progress progressLog
	if _, err := f.processor.Process(context.Background(), "1", payload, progress.report); err != nil {
		t.Fatal(err)
	}

	_, err := f.processor.Process(context.Background(), "1", payload, progress.report)
	if !errors.Is(err, ErrStaleJob) {
		t.Fatalf("redelivered job should be stale, got %v", err)
	}
	if s := mustSession(t, f.processor.repo, session.ID); s.Status != models.StatusCompleted {
		t.Errorf("expected COMPLETED to stick, got %s", s.Status)
	}
}

func TestProcess_RetryAfterFailure(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	f.transcriber.err = errors.New("temporarily unavailable")
	var first progressLog
	if _, err := f.processor.Process(context.Background(), "1", payload, first.report); err == nil {
		t.Fatal("expected failure")
	}

	f.transcriber.err = nil
	var second progressLog
	if _, err := f.processor.Process(context.Background(), "1", payload, second.report); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if want := []int{10, 50, 60, 90, 100}; !reflect.DeepEqual([]int(second), want) {
		t.Errorf("progress = %v, want %v", second, want)
	}
	stored := mustSession(t, f.processor.repo, session.ID)
	if stored.Status != models.StatusCompleted || stored.ErrorMessage != nil {
		t.Errorf("unexpected session after retry %+v", stored)
	}
}

func TestProcess_RecoversInterruptedRun(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	ctx := context.Background()
	if err := f.processor.repo.TransitionStatus(ctx, session.ID, models.StatusUploading, models.StatusTranscribing, nil); err != nil {
		t.Fatal(err)
	}

	var progress progressLog
	if _, err := f.processor.Process(ctx, "1", payload, progress.report); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if s := mustSession(t, f.processor.repo, session.ID); s.Status != models.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", s.Status)
	}
}

func TestHandle_UpdatesQueueProgress(t *testing.T) {
	f, session, payload := setupUploadedSession(t, false)
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Add(ctx, session.ID, payload); err != nil {
		t.Fatal(err)
	}
	job, err := q.Reserve(ctx)
	if err != nil || job == nil {
		t.Fatalf("Reserve = %v, %v", job, err)
	}

	out, err := f.processor.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	result, ok := out.(*models.AudioJobResult)
	if !ok || result.SessionID != session.ID {
		t.Fatalf("unexpected result %#v", out)
	}

	stored, _ := q.FindByKey(ctx, session.ID)
	if stored.Progress != 100 {
		t.Errorf("expected queue progress 100, got %d", stored.Progress)
	}
}

func TestHandle_BadPayloadIsPermanent(t *testing.T) {
	f := newProcessorFixture(t)
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Add(ctx, "s1", "not an object")
	job, _ := q.Reserve(ctx)

	if _, err := f.processor.Handle(ctx, job); !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
