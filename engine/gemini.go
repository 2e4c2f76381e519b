package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/krshsl/praxis/feedback/models"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// geminiClient is the part of the genai client the engines use
type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(ctx context.Context, cfg Config) (*geminiClient, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.GeminiAPIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient(),
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.GeminiBaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &geminiClient{client: client, model: orDefault(cfg.GeminiModel, defaultGeminiModel)}, nil
}

func (g *geminiClient) generateJSON(ctx context.Context, engine string, contents []*genai.Content, instruction string) (string, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}
	if instruction != "" {
		config.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", classifyGemini(engine, err)
	}
	return result.Text(), nil
}

// classifyGemini maps genai API errors onto the engine taxonomy
func classifyGemini(engine string, err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return classifyTransport(engine, err)
	}
	msg := fmt.Sprintf("API error: %d - %s", apiErr.Code, apiErr.Message)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &Error{Kind: KindUnavailable, Engine: engine, Message: msg, Err: err}
	case apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindUnsupportedInput, Engine: engine, Message: msg, Err: err}
	default:
		return &Error{Kind: KindBackend, Engine: engine, Message: msg, Err: err}
	}
}

// GeminiTranscriber sends audio inline and asks the model for timed segments
type GeminiTranscriber struct {
	gc     *geminiClient
	logger *slog.Logger
}

func NewGeminiTranscriber(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiTranscriber, error) {
	gc, err := newGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiTranscriber{gc: gc, logger: logger}, nil
}

func (g *GeminiTranscriber) Name() string { return g.gc.model }

func (g *GeminiTranscriber) SupportedLanguages() []string { return []string{"ja", "ko", "en"} }

type geminiTranscript struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
		Text    string  `json:"text"`
	} `json:"segments"`
}

func (g *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*TranscriptResult, error) {
	if len(audio) == 0 {
		return nil, unsupported(g.Name(), "empty audio")
	}
	if !supports(g.SupportedLanguages(), opts.Language) {
		return nil, unsupported(g.Name(), "language %q is not supported", opts.Language)
	}

	prompt := fmt.Sprintf(`Transcribe this mock interview recording spoken in %s.
Return JSON: {"language": "code", "duration": seconds, "segments": [{"start": seconds, "end": seconds, "speaker": "Speaker_A", "text": "..."}]}.
Keep the original language, do not translate.`, languageName(opts.Language))
	if opts.SpeakerDiarization {
		prompt += " Label the interviewer Speaker_A and the candidate Speaker_B."
	} else {
		prompt += " Use Speaker_A for every segment."
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		{
			InlineData: &genai.Blob{
				MIMEType: models.AudioContentType(opts.Filename),
				Data:     audio,
			},
		},
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	text, err := g.gc.generateJSON(ctx, g.Name(), contents, "")
	if err != nil {
		return nil, err
	}

	var gt geminiTranscript
	if err := json.Unmarshal([]byte(text), &gt); err != nil {
		return nil, &Error{Kind: KindBackend, Engine: g.Name(), Message: "malformed transcript response", Err: err}
	}

	segments := make([]models.Segment, len(gt.Segments))
	texts := make([]string, len(gt.Segments))
	for i, seg := range gt.Segments {
		segments[i] = models.Segment{
			ID:         strconv.Itoa(i + 1),
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			SpeakerID:  orDefault(seg.Speaker, DefaultSpeaker),
			Confidence: defaultConfidence,
		}
		texts[i] = segments[i].Text
	}

	duration := gt.Duration
	if duration == 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	g.logger.Info("Audio transcribed", "engine", g.Name(), "segments", len(segments), "duration", duration)
	return &TranscriptResult{
		FullText: strings.Join(texts, " "),
		Segments: segments,
		Speakers: rosterOf(segments),
		Language: orDefault(opts.Language, gt.Language),
		Duration: duration,
	}, nil
}

// GeminiAnalyzer scores a transcript with a JSON-mode generation
type GeminiAnalyzer struct {
	gc     *geminiClient
	logger *slog.Logger
}

func NewGeminiAnalyzer(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiAnalyzer, error) {
	gc, err := newGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiAnalyzer{gc: gc, logger: logger}, nil
}

func (g *GeminiAnalyzer) Name() string { return g.gc.model }

func (g *GeminiAnalyzer) Analyze(ctx context.Context, transcript *TranscriptResult) (*AnalysisResult, error) {
	if transcript == nil || len(transcript.Segments) == 0 {
		return nil, unsupported(g.Name(), "transcript has no segments")
	}

	text, err := g.gc.generateJSON(ctx, g.Name(), genai.Text(buildAnalysisPrompt(transcript)), analysisInstruction(transcript.Language))
	if err != nil {
		return nil, err
	}

	result, err := parseAnalysis(g.Name(), text)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Transcript analyzed", "engine", g.Name(), "score", result.OverallScore)
	return result, nil
}
