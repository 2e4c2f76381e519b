package services

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/krshsl/praxis/feedback/engine"
	"github.com/krshsl/praxis/feedback/queue"
)

// Config holds application configuration
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Upload   UploadConfig
	Engine   EngineConfig
	JWT      JWTConfig
	Kafka    KafkaConfig
}

type AppConfig struct {
	Mode     string `validate:"oneof=all api worker"`
	LogLevel string `validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Port           string `validate:"required"`
	AllowedOrigins string
}

type DatabaseConfig struct {
	URL          string
	LogLevel     string `validate:"oneof=silent error warn info"`
	MaxIdleConns int    `validate:"gte=0"`
	MaxOpenConns int    `validate:"gte=1"`
}

type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int `validate:"gte=0"`
}

type QueueConfig struct {
	Name              string `validate:"required"`
	Concurrency       int    `validate:"gte=1"`
	Attempts          int    `validate:"gte=1"`
	Backoff           time.Duration
	MaxBackoff        time.Duration
	KeepCompletedAge  time.Duration
	KeepCompletedSize int64 `validate:"gte=1"`
	LockTTL           time.Duration
	PollInterval      time.Duration
	StuckTimeout      time.Duration
}

type UploadConfig struct {
	Dir      string `validate:"required"`
	MaxBytes int64  `validate:"gt=0"`
}

type EngineConfig struct {
	Transcription string `validate:"oneof=openai gemini whisper"`
	Analysis      string `validate:"oneof=openai gemini heuristic"`
	engine.Config
}

type JWTConfig struct {
	Secret   string
	Required bool
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LoadConfig loads configuration from environment variables and an optional .env file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("app.mode", "all")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("websocket.allowed_origins", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.max_idle_conns", "10")
	v.SetDefault("database.max_open_conns", "100")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", "0")
	v.SetDefault("queue.name", "audio-processing")
	v.SetDefault("queue.concurrency", "2")
	v.SetDefault("queue.attempts", "3")
	v.SetDefault("queue.backoff", "5s")
	v.SetDefault("queue.max_backoff", "5m")
	v.SetDefault("queue.keep_completed_age", "1h")
	v.SetDefault("queue.keep_completed_count", "100")
	v.SetDefault("queue.lock_ttl", "30s")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.stuck_timeout", "30m")
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.max_bytes", 30<<20)
	v.SetDefault("engine.stt", engine.TranscriberOpenAI)
	v.SetDefault("engine.analysis", engine.AnalyzerOpenAI)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.stt_model", "whisper-1")
	v.SetDefault("openai.analysis_model", "gpt-4o-mini")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("whisper.url", "http://localhost:8387")
	v.SetDefault("whisper.model", "base")
	v.SetDefault("engine.timeout", "120s")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.required", "false")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "interview.session.events")

	// Map environment variables to config keys
	v.BindEnv("app.mode", "APP_MODE")
	v.BindEnv("app.log_level", "LOG_LEVEL")
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.log_level", "DB_LOG_LEVEL")
	v.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	v.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("queue.name", "QUEUE_NAME")
	v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	v.BindEnv("queue.attempts", "QUEUE_ATTEMPTS")
	v.BindEnv("queue.backoff", "QUEUE_BACKOFF")
	v.BindEnv("queue.max_backoff", "QUEUE_MAX_BACKOFF")
	v.BindEnv("queue.keep_completed_age", "QUEUE_KEEP_COMPLETED_AGE")
	v.BindEnv("queue.keep_completed_count", "QUEUE_KEEP_COMPLETED_COUNT")
	v.BindEnv("queue.lock_ttl", "QUEUE_LOCK_TTL")
	v.BindEnv("queue.poll_interval", "QUEUE_POLL_INTERVAL")
	v.BindEnv("queue.stuck_timeout", "SESSION_STUCK_TIMEOUT")
	v.BindEnv("upload.dir", "UPLOAD_DIR")
	v.BindEnv("upload.max_bytes", "UPLOAD_MAX_BYTES")
	v.BindEnv("engine.stt", "STT_ENGINE")
	v.BindEnv("engine.analysis", "ANALYSIS_ENGINE")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("openai.stt_model", "OPENAI_STT_MODEL")
	v.BindEnv("openai.analysis_model", "OPENAI_ANALYSIS_MODEL")
	v.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("gemini.model", "GEMINI_MODEL")
	v.BindEnv("gemini.base_url", "GEMINI_BASE_URL")
	v.BindEnv("whisper.url", "WHISPER_URL")
	v.BindEnv("whisper.model", "WHISPER_MODEL")
	v.BindEnv("engine.timeout", "ENGINE_TIMEOUT")
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.required", "AUTH_REQUIRED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Mode:     strings.ToLower(v.GetString("app.mode")),
			LogLevel: strings.ToLower(v.GetString("app.log_level")),
		},
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			AllowedOrigins: v.GetString("websocket.allowed_origins"),
		},
		Database: DatabaseConfig{
			URL:          v.GetString("database.url"),
			LogLevel:     strings.ToLower(v.GetString("database.log_level")),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Name:              v.GetString("queue.name"),
			Concurrency:       v.GetInt("queue.concurrency"),
			Attempts:          v.GetInt("queue.attempts"),
			Backoff:           v.GetDuration("queue.backoff"),
			MaxBackoff:        v.GetDuration("queue.max_backoff"),
			KeepCompletedAge:  v.GetDuration("queue.keep_completed_age"),
			KeepCompletedSize: v.GetInt64("queue.keep_completed_count"),
			LockTTL:           v.GetDuration("queue.lock_ttl"),
			PollInterval:      v.GetDuration("queue.poll_interval"),
			StuckTimeout:      v.GetDuration("queue.stuck_timeout"),
		},
		Upload: UploadConfig{
			Dir:      v.GetString("upload.dir"),
			MaxBytes: v.GetInt64("upload.max_bytes"),
		},
		Engine: EngineConfig{
			Transcription: strings.ToLower(v.GetString("engine.stt")),
			Analysis:      strings.ToLower(v.GetString("engine.analysis")),
			Config: engine.Config{
				OpenAIAPIKey:        v.GetString("openai.api_key"),
				OpenAIBaseURL:       v.GetString("openai.base_url"),
				OpenAISTTModel:      v.GetString("openai.stt_model"),
				OpenAIAnalysisModel: v.GetString("openai.analysis_model"),
				GeminiAPIKey:        v.GetString("gemini.api_key"),
				GeminiModel:         v.GetString("gemini.model"),
				GeminiBaseURL:       v.GetString("gemini.base_url"),
				WhisperURL:          v.GetString("whisper.url"),
				WhisperModel:        v.GetString("whisper.model"),
				Timeout:             v.GetDuration("engine.timeout"),
			},
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			Required: v.GetBool("jwt.required"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Options maps queue settings onto the queue package
func (c QueueConfig) Options() queue.Options {
	return queue.Options{
		MaxAttempts:       c.Attempts,
		Backoff:           c.Backoff,
		MaxBackoff:        c.MaxBackoff,
		LockDuration:      c.LockTTL,
		CompletedMaxAge:   c.KeepCompletedAge,
		CompletedMaxCount: c.KeepCompletedSize,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlogLevel maps the configured level name onto slog
func (c AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
