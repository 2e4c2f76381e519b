package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/krshsl/praxis/feedback/models"
)

const (
	defaultWhisperURL   = "http://localhost:8387"
	defaultWhisperModel = "base"
)

// WhisperTranscriber talks to a self-hosted faster-whisper HTTP sidecar
type WhisperTranscriber struct {
	url    string
	model  string
	client *http.Client
	logger *slog.Logger
}

func NewWhisperTranscriber(cfg Config, logger *slog.Logger) *WhisperTranscriber {
	return &WhisperTranscriber{
		url:    strings.TrimRight(orDefault(cfg.WhisperURL, defaultWhisperURL), "/"),
		model:  orDefault(cfg.WhisperModel, defaultWhisperModel),
		client: cfg.httpClient(),
		logger: logger,
	}
}

func (w *WhisperTranscriber) Name() string { return "whisper-" + w.model }

func (w *WhisperTranscriber) SupportedLanguages() []string { return []string{"ja", "ko", "en"} }

// IsAvailable checks if the sidecar is reachable
func (w *WhisperTranscriber) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type sidecarResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*TranscriptResult, error) {
	if len(audio) == 0 {
		return nil, unsupported(w.Name(), "empty audio")
	}
	if !supports(w.SupportedLanguages(), opts.Language) {
		return nil, unsupported(w.Name(), "language %q is not supported", opts.Language)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", orDefault(opts.Filename, "audio.wav"))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	_ = writer.WriteField("model", w.model)
	if opts.Language != "" {
		_ = writer.WriteField("language", opts.Language)
	}
	_ = writer.WriteField("word_timestamps", strconv.FormatBool(opts.WordTimestamps))
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/transcribe", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, classifyTransport(w.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(w.Name(), resp)
	}

	var sr sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, backendError(w.Name(), fmt.Errorf("decode whisper response: %w", err))
	}

	segments := make([]models.Segment, len(sr.Segments))
	for i, seg := range sr.Segments {
		segments[i] = models.Segment{
			ID:         strconv.Itoa(i + 1),
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			SpeakerID:  DefaultSpeaker,
			Confidence: defaultConfidence,
		}
		for _, word := range seg.Words {
			confidence := word.Probability
			if confidence == 0 {
				confidence = defaultConfidence
			}
			segments[i].Words = append(segments[i].Words, models.Word{
				Text:       strings.TrimSpace(word.Word),
				Start:      word.Start,
				End:        word.End,
				Confidence: confidence,
			})
		}
	}

	speakers := rosterOf(segments)
	if opts.SpeakerDiarization {
		speakers = assignSpeakersByGaps(segments)
	}

	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	w.logger.Info("Audio transcribed", "engine", w.Name(), "segments", len(segments), "duration", duration)
	return &TranscriptResult{
		FullText: strings.TrimSpace(sr.Text),
		Segments: segments,
		Speakers: speakers,
		Language: orDefault(opts.Language, sr.Language),
		Duration: duration,
	}, nil
}
