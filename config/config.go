package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Relay modes
const (
	ModeLive = "live"
	ModeChat = "chat"
)

// Config holds all server configuration
type Config struct {
	Mode            string // "live" or "chat"
	Host            string
	Port            int
	GeminiAPIKey    string
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum buffered model audio per turn, in bytes

	// Models
	LiveModel          string
	ChatModel          string
	TranscriptionModel string
	EmbeddingModel     string
	AnswerModel        string

	// Audio format of the model's spoken output, used by the transcoder
	SampleRate int
	Channels   int

	// Retrieval
	DownloadsDir string
	StorageDir   string
	ChunkTokens  int
	ChunkOverlap int
	TopK         int
}

// LoadConfig loads configuration for the given mode from environment variables with defaults
func LoadConfig(mode string) (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Mode:               mode,
		Host:               "localhost",
		RedisURL:           "localhost:6379",
		MaxSessions:        100,
		SessionTimeout:     30 * time.Minute,
		AllowedOrigins:     []string{"*"},
		KeepAlivePeriod:    30 * time.Second,
		MaxBufferSize:      5 * 1024 * 1024, // 5MB default
		LiveModel:          "gemini-2.0-flash-exp",
		ChatModel:          "gemini-2.0-flash-exp",
		TranscriptionModel: "gemini-1.5-flash-8b",
		EmbeddingModel:     "text-embedding-004",
		AnswerModel:        "gemini-2.0-flash-exp",
		Channels:           1,
		DownloadsDir:       "./downloads",
		StorageDir:         "./storage",
		ChunkTokens:        1024,
		ChunkOverlap:       200,
		TopK:               4,
	}

	switch mode {
	case ModeLive:
		config.Port = 9085
		config.SampleRate = 24000
	case ModeChat:
		config.Port = 9083
		config.SampleRate = 16000
	default:
		return nil, fmt.Errorf("invalid mode %q: must be '%s' or '%s'", mode, ModeLive, ModeChat)
	}

	// Required: GEMINI_API_KEY (GOOGLE_API_KEY accepted as a fallback)
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		config.GeminiAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}

	strs := map[string]*string{
		"REDIS_URL":           &config.RedisURL,
		"REDIS_PASSWORD":      &config.RedisPassword,
		"LIVE_MODEL":          &config.LiveModel,
		"CHAT_MODEL":          &config.ChatModel,
		"TRANSCRIPTION_MODEL": &config.TranscriptionModel,
		"EMBEDDING_MODEL":     &config.EmbeddingModel,
		"ANSWER_MODEL":        &config.AnswerModel,
		"DOWNLOADS_DIR":       &config.DownloadsDir,
		"STORAGE_DIR":         &config.StorageDir,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	// REDIS_URL=off runs without the session registry
	if config.RedisURL == "off" {
		config.RedisURL = ""
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &config.Port},
		{"MAX_SESSIONS", &config.MaxSessions},
		{"MAX_BUFFER_SIZE", &config.MaxBufferSize},
		{"SAMPLE_RATE", &config.SampleRate},
		{"CHUNK_TOKENS", &config.ChunkTokens},
		{"CHUNK_OVERLAP", &config.ChunkOverlap},
		{"TOP_K", &config.TopK},
	}
	for _, opt := range ints {
		v := os.Getenv(opt.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", opt.name, err)
		}
		*opt.dst = n
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: KEEPALIVE_PERIOD (in seconds)
	if keepalive := os.Getenv("KEEPALIVE_PERIOD"); keepalive != "" {
		k, err := strconv.Atoi(keepalive)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_PERIOD: %w", err)
		}
		config.KeepAlivePeriod = time.Duration(k) * time.Second
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges after environment overrides are applied
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("invalid MAX_BUFFER_SIZE: must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid SAMPLE_RATE: must be positive")
	}
	if c.ChunkTokens <= 0 {
		return fmt.Errorf("invalid CHUNK_TOKENS: must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkTokens {
		return fmt.Errorf("invalid CHUNK_OVERLAP: must be in [0, CHUNK_TOKENS)")
	}
	if c.TopK <= 0 {
		return fmt.Errorf("invalid TOP_K: must be positive")
	}
	if c.DownloadsDir == "" || c.StorageDir == "" {
		return fmt.Errorf("DOWNLOADS_DIR and STORAGE_DIR must not be empty")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
