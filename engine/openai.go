package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/krshsl/praxis/feedback/models"
)

const (
	defaultOpenAIBaseURL       = "https://api.openai.com/v1"
	defaultOpenAISTTModel      = "whisper-1"
	defaultOpenAIAnalysisModel = "gpt-4o-mini"
	defaultConfidence          = 0.9
)

// OpenAITranscriber uses the Whisper audio transcription endpoint
type OpenAITranscriber struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAITranscriber(cfg Config, logger *slog.Logger) (*OpenAITranscriber, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	return &OpenAITranscriber{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: orDefault(cfg.OpenAIBaseURL, defaultOpenAIBaseURL),
		model:   orDefault(cfg.OpenAISTTModel, defaultOpenAISTTModel),
		client:  cfg.httpClient(),
		logger:  logger,
	}, nil
}

func (o *OpenAITranscriber) Name() string { return "openai-" + o.model }

func (o *OpenAITranscriber) SupportedLanguages() []string { return []string{"ja", "ko", "en"} }

type whisperVerboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID         int     `json:"id"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe uploads the audio as multipart form data and maps the verbose_json reply
func (o *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*TranscriptResult, error) {
	if len(audio) == 0 {
		return nil, unsupported(o.Name(), "empty audio")
	}
	if !supports(o.SupportedLanguages(), opts.Language) {
		return nil, unsupported(o.Name(), "language %q is not supported", opts.Language)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", orDefault(opts.Filename, "audio.mp3"))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	_ = mw.WriteField("model", o.model)
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("timestamp_granularities[]", "segment")
	if opts.WordTimestamps {
		_ = mw.WriteField("timestamp_granularities[]", "word")
	}
	if opts.Language != "" {
		_ = mw.WriteField("language", opts.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(o.Name(), resp)
	}

	var vr whisperVerboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, backendError(o.Name(), fmt.Errorf("failed to decode response: %w", err))
	}

	result := o.toResult(&vr, opts)
	o.logger.Info("Audio transcribed", "engine", o.Name(), "segments", len(result.Segments), "duration", result.Duration, "elapsed", time.Since(start))
	return result, nil
}

func (o *OpenAITranscriber) toResult(vr *whisperVerboseResponse, opts TranscribeOptions) *TranscriptResult {
	segments := make([]models.Segment, 0, len(vr.Segments))
	for i, seg := range vr.Segments {
		confidence := defaultConfidence
		if seg.AvgLogprob != 0 {
			confidence = math.Exp(seg.AvgLogprob)
		}
		s := models.Segment{
			ID:         strconv.Itoa(i + 1),
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			SpeakerID:  DefaultSpeaker,
			Confidence: confidence,
		}
		for _, w := range vr.Words {
			if w.Start >= seg.Start && w.Start < seg.End {
				s.Words = append(s.Words, models.Word{
					Text:       strings.TrimSpace(w.Word),
					Start:      w.Start,
					End:        w.End,
					Confidence: defaultConfidence,
				})
			}
		}
		segments = append(segments, s)
	}

	speakers := rosterOf(segments)
	if opts.SpeakerDiarization {
		speakers = assignSpeakersByGaps(segments)
	}

	language := opts.Language
	if language == "" {
		language = orDefault(vr.Language, "unknown")
	}
	duration := vr.Duration
	if duration == 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	return &TranscriptResult{
		FullText: strings.TrimSpace(vr.Text),
		Segments: segments,
		Speakers: speakers,
		Language: language,
		Duration: duration,
	}
}

// OpenAIAnalyzer scores a transcript with a chat completion in JSON mode
type OpenAIAnalyzer struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAIAnalyzer(cfg Config, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	return &OpenAIAnalyzer{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: orDefault(cfg.OpenAIBaseURL, defaultOpenAIBaseURL),
		model:   orDefault(cfg.OpenAIAnalysisModel, defaultOpenAIAnalysisModel),
		client:  cfg.httpClient(),
		logger:  logger,
	}, nil
}

func (o *OpenAIAnalyzer) Name() string { return "openai-" + o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAIAnalyzer) Analyze(ctx context.Context, transcript *TranscriptResult) (*AnalysisResult, error) {
	if transcript == nil || len(transcript.Segments) == 0 {
		return nil, unsupported(o.Name(), "transcript has no segments")
	}

	payload, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: analysisInstruction(transcript.Language)},
			{Role: "user", Content: buildAnalysisPrompt(transcript)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(o.Name(), resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, backendError(o.Name(), fmt.Errorf("failed to decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, &Error{Kind: KindBackend, Engine: o.Name(), Message: "no choices in response"}
	}

	result, err := parseAnalysis(o.Name(), cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Transcript analyzed", "engine", o.Name(), "score", result.OverallScore)
	return result, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
