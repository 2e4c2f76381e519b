package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Registered engine names. Selection happens once at startup.
const (
	TranscriberOpenAI  = "openai"
	TranscriberGemini  = "gemini"
	TranscriberWhisper = "whisper"

	AnalyzerOpenAI    = "openai"
	AnalyzerGemini    = "gemini"
	AnalyzerHeuristic = "heuristic"
)

// Config carries credentials and endpoints for every engine
type Config struct {
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAISTTModel      string
	OpenAIAnalysisModel string
	GeminiAPIKey        string
	GeminiModel         string
	GeminiBaseURL       string
	WhisperURL          string
	WhisperModel        string
	Timeout             time.Duration
}

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type transcriberFactory func(ctx context.Context, cfg Config, logger *slog.Logger) (TranscriptionEngine, error)

type analyzerFactory func(ctx context.Context, cfg Config, logger *slog.Logger) (AnalysisEngine, error)

var transcribers = map[string]transcriberFactory{
	TranscriberOpenAI: func(_ context.Context, cfg Config, logger *slog.Logger) (TranscriptionEngine, error) {
		return NewOpenAITranscriber(cfg, logger)
	},
	TranscriberGemini: func(ctx context.Context, cfg Config, logger *slog.Logger) (TranscriptionEngine, error) {
		return NewGeminiTranscriber(ctx, cfg, logger)
	},
	TranscriberWhisper: func(_ context.Context, cfg Config, logger *slog.Logger) (TranscriptionEngine, error) {
		return NewWhisperTranscriber(cfg, logger), nil
	},
}

var analyzers = map[string]analyzerFactory{
	AnalyzerOpenAI: func(_ context.Context, cfg Config, logger *slog.Logger) (AnalysisEngine, error) {
		return NewOpenAIAnalyzer(cfg, logger)
	},
	AnalyzerGemini: func(ctx context.Context, cfg Config, logger *slog.Logger) (AnalysisEngine, error) {
		return NewGeminiAnalyzer(ctx, cfg, logger)
	},
	AnalyzerHeuristic: func(_ context.Context, _ Config, logger *slog.Logger) (AnalysisEngine, error) {
		return NewHeuristicAnalyzer(logger), nil
	},
}

// NewTranscriptionEngine builds the named transcription engine
func NewTranscriptionEngine(ctx context.Context, name string, cfg Config, logger *slog.Logger) (TranscriptionEngine, error) {
	factory, ok := transcribers[name]
	if !ok {
		return nil, fmt.Errorf("unknown transcription engine %q (available: %v)", name, TranscriptionEngines())
	}
	eng, err := factory(ctx, cfg, logger.With("engine", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription engine %q: %w", name, err)
	}
	return eng, nil
}

// NewAnalysisEngine builds the named analysis engine
func NewAnalysisEngine(ctx context.Context, name string, cfg Config, logger *slog.Logger) (AnalysisEngine, error) {
	factory, ok := analyzers[name]
	if !ok {
		return nil, fmt.Errorf("unknown analysis engine %q (available: %v)", name, AnalysisEngines())
	}
	eng, err := factory(ctx, cfg, logger.With("engine", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis engine %q: %w", name, err)
	}
	return eng, nil
}

// TranscriptionEngines lists the registered transcription engine names
func TranscriptionEngines() []string { return sortedKeys(transcribers) }

// AnalysisEngines lists the registered analysis engine names
func AnalysisEngines() []string { return sortedKeys(analyzers) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
