package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/menta2k/hwassist/internal/logging"
)

// Config holds the application configuration
type Config struct {
	Model     ModelConfig     `json:"model"`
	Speech    SpeechConfig    `json:"speech"`
	Documents DocumentsConfig `json:"documents"`
	Detection DetectionConfig `json:"detection"`
	Voice     VoiceConfig     `json:"voice"`
	Server    ServerConfig    `json:"server"`
	Output    OutputConfig    `json:"output"`
	LogLevel  string          `json:"log_level"`
}

// ModelConfig selects the vision/reasoning backend
type ModelConfig struct {
	Backend        string   `json:"backend"` // ollama or llamacpp
	URL            string   `json:"url"`
	VisionModel    string   `json:"vision_model"`
	ReasoningModel string   `json:"reasoning_model"`
	EmbedModel     string   `json:"embed_model"`
	Timeout        Duration `json:"timeout"`
}

// SpeechConfig configures the transcription and synthesis service
type SpeechConfig struct {
	URL                string   `json:"url"`
	APIKey             string   `json:"-"`
	TranscriptionModel string   `json:"transcription_model"`
	SpeechModel        string   `json:"speech_model"`
	Voice              string   `json:"voice"`
	Language           string   `json:"language"`
	Timeout            Duration `json:"timeout"`
}

// DocumentsConfig locates the reference documents
type DocumentsConfig struct {
	Dir         string  `json:"dir"`
	DatabaseURL string  `json:"-"`
	Dimensions  int     `json:"dimensions"`
	Limit       int     `json:"limit"`
	MaxDistance float64 `json:"max_distance"`
}

// DetectionConfig holds capture analysis settings
type DetectionConfig struct {
	MaxDimension    int      `json:"max_dimension"`
	JPEGQuality     int      `json:"jpeg_quality"`
	ProductKeywords []string `json:"product_keywords"`
}

// VoiceConfig configures local audio playback for the CLI
type VoiceConfig struct {
	AudioDir      string   `json:"audio_dir"`
	PlayerCommand []string `json:"player_command"`
	MaxUpload     int      `json:"max_upload"`
	PlaybackHold  Duration `json:"playback_hold"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `json:"addr"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	CropMargin    int    `json:"crop_margin"` // percent of the box size
}

// Duration is a time.Duration written as a string ("30s") in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Backend:        "ollama",
			URL:            "http://localhost:11434",
			VisionModel:    "openbmb/minicpm-v4",
			ReasoningModel: "openbmb/minicpm-v4",
			EmbedModel:     "nomic-embed-text",
			Timeout:        Duration(300 * time.Second),
		},
		Speech: SpeechConfig{
			URL:                "https://api.openai.com",
			TranscriptionModel: "whisper-1",
			SpeechModel:        "tts-1",
			Voice:              "nova",
			Language:           "en",
			Timeout:            Duration(2 * time.Minute),
		},
		Documents: DocumentsConfig{
			Dir:         "./docs",
			Dimensions:  768,
			Limit:       5,
			MaxDistance: 0.35,
		},
		Detection: DetectionConfig{
			MaxDimension:    800,
			JPEGQuality:     80,
			ProductKeywords: []string{"pi", "arduino", "esp", "board", "kit"},
		},
		Voice: VoiceConfig{
			AudioDir:     "./output/audio",
			MaxUpload:    25 << 20,
			PlaybackHold: Duration(2 * time.Minute),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			OutputDir:     "./output",
			CropMargin:    8,
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a JSON file over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists, falls back to defaults otherwise, and
// applies environment overrides
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			loaded, err := LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
			config = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	config.ApplyEnv()
	return config, nil
}

// ApplyEnv overrides settings from HWASSIST_* variables, OPENAI_API_KEY and
// DATABASE_URL. Secrets are only ever read from the environment.
func (c *Config) ApplyEnv() {
	c.Model.Backend = getEnv("HWASSIST_BACKEND", c.Model.Backend)
	c.Model.URL = getEnv("HWASSIST_MODEL_URL", c.Model.URL)
	c.Model.VisionModel = getEnv("HWASSIST_VISION_MODEL", c.Model.VisionModel)
	c.Model.ReasoningModel = getEnv("HWASSIST_REASONING_MODEL", c.Model.ReasoningModel)
	c.Model.EmbedModel = getEnv("HWASSIST_EMBED_MODEL", c.Model.EmbedModel)
	c.Speech.URL = getEnv("HWASSIST_SPEECH_URL", c.Speech.URL)
	c.Speech.APIKey = getEnv("OPENAI_API_KEY", c.Speech.APIKey)
	c.Documents.Dir = getEnv("HWASSIST_DOCS_DIR", c.Documents.Dir)
	c.Documents.DatabaseURL = getEnv("DATABASE_URL", c.Documents.DatabaseURL)
	c.Server.Addr = getEnv("HWASSIST_ADDR", c.Server.Addr)
	c.Output.OutputDir = getEnv("HWASSIST_OUTPUT_DIR", c.Output.OutputDir)
	c.LogLevel = getEnv("HWASSIST_LOG_LEVEL", c.LogLevel)
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("model.backend must be ollama or llamacpp")
	}

	if err := validateURL("model.url", c.Model.URL); err != nil {
		return err
	}

	if c.Model.VisionModel == "" || c.Model.ReasoningModel == "" {
		return fmt.Errorf("model.vision_model and model.reasoning_model are required")
	}

	if err := validateURL("speech.url", c.Speech.URL); err != nil {
		return err
	}

	if c.Model.Timeout < 0 || c.Speech.Timeout < 0 || c.Voice.PlaybackHold < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.Detection.MaxDimension < 32 {
		return fmt.Errorf("detection.max_dimension must be at least 32")
	}

	if c.Detection.JPEGQuality < 1 || c.Detection.JPEGQuality > 100 {
		return fmt.Errorf("detection.jpeg_quality must be between 1 and 100")
	}

	if c.Documents.Dimensions < 1 {
		return fmt.Errorf("documents.dimensions must be positive")
	}

	if c.Documents.MaxDistance < 0 || c.Documents.MaxDistance > 2 {
		return fmt.Errorf("documents.max_distance must be between 0 and 2")
	}

	if c.Output.CropMargin < 0 {
		return fmt.Errorf("output.crop_margin cannot be negative")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.default_format must be jpg, png or webp")
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "hwassist", "config.json")
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
