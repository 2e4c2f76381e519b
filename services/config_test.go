package services

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/feedback")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.App.Mode != "all" || cfg.Server.Port != "8080" {
		t.Errorf("unexpected app/server config %+v %+v", cfg.App, cfg.Server)
	}
	if cfg.Queue.Name != "audio-processing" || cfg.Queue.Attempts != 3 || cfg.Queue.Backoff != 5*time.Second {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Queue.StuckTimeout != 30*time.Minute || cfg.Queue.LockTTL != 30*time.Second {
		t.Errorf("unexpected queue timings %+v", cfg.Queue)
	}
	if cfg.Upload.MaxBytes != 30<<20 || cfg.Upload.Dir != "uploads" {
		t.Errorf("unexpected upload config %+v", cfg.Upload)
	}
	if cfg.Engine.Transcription != "openai" || cfg.Engine.Analysis != "openai" || cfg.Engine.Timeout != 120*time.Second {
		t.Errorf("unexpected engine config %+v", cfg.Engine)
	}
	if len(cfg.Kafka.Brokers) != 0 || cfg.JWT.Required {
		t.Errorf("optional integrations should be off by default: %+v %+v", cfg.Kafka, cfg.JWT)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_MODE", "WORKER")
	t.Setenv("QUEUE_CONCURRENCY", "8")
	t.Setenv("QUEUE_BACKOFF", "250ms")
	t.Setenv("SESSION_STUCK_TIMEOUT", "10m")
	t.Setenv("STT_ENGINE", "whisper")
	t.Setenv("ANALYSIS_ENGINE", "heuristic")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("AUTH_REQUIRED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.App.Mode != "worker" || cfg.Queue.Concurrency != 8 || cfg.Queue.Backoff != 250*time.Millisecond {
		t.Errorf("unexpected config %+v %+v", cfg.App, cfg.Queue)
	}
	if cfg.Queue.StuckTimeout != 10*time.Minute {
		t.Errorf("StuckTimeout = %v", cfg.Queue.StuckTimeout)
	}
	if cfg.Engine.Transcription != "whisper" || cfg.Engine.Analysis != "heuristic" {
		t.Errorf("unexpected engines %+v", cfg.Engine)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.JWT.Required {
		t.Error("AUTH_REQUIRED should be honoured")
	}

	opts := cfg.Queue.Options()
	if opts.MaxAttempts != 3 || opts.Backoff != 250*time.Millisecond || opts.LockDuration != 30*time.Second {
		t.Errorf("unexpected queue options %+v", opts)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown transcription engine", "STT_ENGINE", "bogus"},
		{"unknown analysis engine", "ANALYSIS_ENGINE", "bogus"},
		{"unknown mode", "APP_MODE", "batch"},
		{"zero concurrency", "QUEUE_CONCURRENCY", "0"},
		{"zero upload limit", "UPLOAD_MAX_BYTES", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, expected := range tests {
		if got := (AppConfig{LogLevel: name}).SlogLevel(); got != expected {
			t.Errorf("SlogLevel(%q) = %v, expected %v", name, got, expected)
		}
	}
}
