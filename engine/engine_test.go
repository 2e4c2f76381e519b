package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/krshsl/praxis/feedback/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("transcription failed: %w", &Error{Kind: KindUnavailable, Engine: "openai-whisper-1", Message: "dial tcp: refused"})

	if !errors.Is(err, ErrUnavailable) {
		t.Error("expected ErrUnavailable to match")
	}
	if errors.Is(err, ErrUnsupportedInput) || errors.Is(err, ErrBackend) {
		t.Error("kind mismatch should not match")
	}
	want := "transcription failed: openai-whisper-1: engine unavailable: dial tcp: refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := backendError("gemini", io.ErrUnexpectedEOF)
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("cause should stay reachable through Unwrap")
	}
	if wrapped.Error() != "gemini: engine error: unexpected EOF" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusBadRequest, ErrUnsupportedInput},
		{http.StatusRequestEntityTooLarge, ErrUnsupportedInput},
		{http.StatusUnsupportedMediaType, ErrUnsupportedInput},
		{http.StatusUnauthorized, ErrBackend},
		{http.StatusNotFound, ErrBackend},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(`{"error":"nope"}`))}
			err := classifyResponse("test", resp)
			if !errors.Is(err, tt.want) {
				t.Errorf("status %d classified as %v", tt.status, err)
			}
			if !strings.Contains(err.Error(), `{"error":"nope"}`) {
				t.Errorf("backend message not preserved: %q", err.Error())
			}
		})
	}
}

func TestClassifyTransportKeepsCancellation(t *testing.T) {
	if err := classifyTransport("x", context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if err := classifyTransport("x", errors.New("connection refused")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("transport failure should be unavailable, got %v", err)
	}
}

func TestAssignSpeakersByGaps(t *testing.T) {
	segments := []models.Segment{
		{ID: "1", Start: 0, End: 3, SpeakerID: DefaultSpeaker},
		{ID: "2", Start: 3.5, End: 6, SpeakerID: DefaultSpeaker},
		{ID: "3", Start: 8, End: 12, SpeakerID: DefaultSpeaker},
		{ID: "4", Start: 14, End: 15, SpeakerID: DefaultSpeaker},
	}
	roster := assignSpeakersByGaps(segments)

	want := []string{"Speaker_A", "Speaker_A", "Speaker_B", "Speaker_A"}
	for i, s := range segments {
		if s.SpeakerID != want[i] {
			t.Errorf("segment %d speaker = %s, want %s", i, s.SpeakerID, want[i])
		}
	}
	if len(roster) != 2 || roster[0].ID != "Speaker_A" || roster[1].ID != "Speaker_B" {
		t.Errorf("roster = %+v", roster)
	}

	labelled := []models.Segment{{Start: 0, End: 1, SpeakerID: "interviewer"}, {Start: 5, End: 6, SpeakerID: "candidate"}}
	assignSpeakersByGaps(labelled)
	if labelled[0].SpeakerID != "interviewer" || labelled[1].SpeakerID != "candidate" {
		t.Error("existing labels were overwritten")
	}
}

func TestParseAnalysis(t *testing.T) {
	text := "```json\n{\"overall_score\": 140, \"structural_analysis\": {\"appropriateness_score\": 0.8}, \"recommendations\": [\"a\"]}\n```"
	result, err := parseAnalysis("gpt", text)
	if err != nil {
		t.Fatal(err)
	}
	if result.OverallScore != 100 {
		t.Errorf("score should be clamped to 100, got %v", result.OverallScore)
	}
	if result.StructuralAnalysis.AppropriatenessScore != 0.8 || len(result.Recommendations) != 1 {
		t.Errorf("unexpected result %+v", result)
	}

	if _, err := parseAnalysis("gpt", "not json"); !errors.Is(err, ErrBackend) {
		t.Errorf("malformed reply should be a backend error, got %v", err)
	}
	if _, err := parseAnalysis("gpt", "  "); !errors.Is(err, ErrBackend) {
		t.Errorf("empty reply should be a backend error, got %v", err)
	}
}
