package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kalambet/docchat/internal/chunk"
)

// ErrConfigurationMissing is returned when the generative-model credential is
// absent or still set to the template placeholder.
var ErrConfigurationMissing = errors.New("configuration missing")

// placeholderAPIKey is the value shipped in the sample .env file.
const placeholderAPIKey = "your_gemini_api_key_here"

type Config struct {
	Server     ServerConfig
	Gemini     GeminiConfig
	Generation GenerationConfig
	Ollama     OllamaConfig
	Embedding  EmbeddingConfig
	Storage    StorageConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Cleanup    CleanupConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port           int
	MaxUploadBytes int
	APIToken       string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type GenerationConfig struct {
	Timeout string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type EmbeddingConfig struct {
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	PerDocK     int
	MaxSnippets int
	// Ranking is "discovery" (first results in per-document order) or
	// "score" (global merge by similarity).
	Ranking string
}

type CleanupConfig struct {
	Interval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           5000,
			MaxUploadBytes: 16 << 20,
		},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:   "gemini-2.0-flash-lite",
		},
		Generation: GenerationConfig{Timeout: "60s"},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "all-minilm",
		},
		Embedding: EmbeddingConfig{Timeout: "30s"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 100,
		},
		Retrieval: RetrievalConfig{
			PerDocK:     2,
			MaxSnippets: 3,
			Ranking:     "discovery",
		},
		Cleanup: CleanupConfig{Interval: "10m"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.docchat.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/docchat/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (DOCCHAT_*) override backend values on all platforms.
// GEMINI_API_KEY is honoured as a fallback for the API key.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// LoadClient reads configuration like Load but does not require the Gemini
// API key. Commands that only talk to a running server use it.
func LoadClient() (Config, error) {
	cfg, err := loadLayers(newPlatformBackend(), keychainReader{})
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg, err := loadLayers(b, kc)
	if err != nil {
		return Config{}, err
	}

	if cfg.Gemini.APIKey == "" || cfg.Gemini.APIKey == placeholderAPIKey {
		return Config{}, fmt.Errorf("%w: Gemini API key is not configured. "+
			"Set it via environment variable DOCCHAT_GEMINI_API_KEY or GEMINI_API_KEY%s",
			ErrConfigurationMissing, apiKeyHint())
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadLayers applies defaults, backend values, env overrides and secrets.
func loadLayers(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if cfg.Gemini.APIKey == "" {
		if key, err := kc.Get("docchat", "gemini_api_key"); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}
	if cfg.Server.APIToken == "" {
		if token, err := kc.Get("docchat", "api_token"); err == nil {
			cfg.Server.APIToken = token
		}
	}

	return cfg, nil
}

func (c Config) validate() error {
	if err := chunk.Validate(c.Chunking.Size, c.Chunking.Overlap); err != nil {
		return fmt.Errorf("chunking.size/chunking.overlap: %w", err)
	}
	switch c.Retrieval.Ranking {
	case "discovery", "score":
	default:
		return fmt.Errorf("invalid retrieval.ranking %q: want \"discovery\" or \"score\"", c.Retrieval.Ranking)
	}
	return nil
}

// Duration parses a duration config value, falling back to def when the
// value is empty or malformed.
func Duration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
