// Package config holds the voice chat client configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

const (
	TransportGemini    = "gemini"
	TransportWebSocket = "websocket"
)

const envPrefix = "VAI_VOICE_"

// Config holds all client configuration.
type Config struct {
	// Transport selects the live backend: gemini or websocket.
	Transport string `json:"transport" yaml:"transport"`
	// URL is the gateway base URL for the websocket transport.
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"api_key" yaml:"api_key"`

	Model        string `json:"model" yaml:"model"`
	Voice        string `json:"voice" yaml:"voice"`
	Language     string `json:"language" yaml:"language"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	Audio AudioConfig `json:"audio" yaml:"audio"`

	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	LogFile     string `json:"log_file" yaml:"log_file"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
}

// AudioConfig configures capture and playback.
type AudioConfig struct {
	InputSampleRate   int     `json:"input_sample_rate" yaml:"input_sample_rate"`
	OutputSampleRate  int     `json:"output_sample_rate" yaml:"output_sample_rate"`
	WindowSize        int     `json:"window_size" yaml:"window_size"`
	VolumeGain        float64 `json:"volume_gain" yaml:"volume_gain"`
	SpeakingVolume    float64 `json:"speaking_volume" yaml:"speaking_volume"`
	DecodeConcurrency int     `json:"decode_concurrency" yaml:"decode_concurrency"`
	MaxPendingFrames  int     `json:"max_pending_frames" yaml:"max_pending_frames"`
	OutputBufferMS    int     `json:"output_buffer_ms" yaml:"output_buffer_ms"`
}

// OutputBuffer is the speaker latency budget.
func (a AudioConfig) OutputBuffer() time.Duration {
	return time.Duration(a.OutputBufferMS) * time.Millisecond
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportGemini,
		URL:       "http://localhost:8080",
		Language:  "en-US",
		Audio: AudioConfig{
			InputSampleRate:   16000,
			OutputSampleRate:  24000,
			WindowSize:        4096,
			VolumeGain:        5,
			SpeakingVolume:    0.5,
			DecodeConcurrency: 4,
			MaxPendingFrames:  64,
			OutputBufferMS:    100,
		},
		LogLevel: "info",
	}
}

// Load reads the file at path (YAML or JSON by extension), then applies
// environment overrides and validates the result. If path is empty,
// VAI_VOICE_CONFIG is consulted; without either, defaults are used.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if path == "" {
		path, _ = lookup(envPrefix + "CONFIG")
	}
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	if c.APIKey == "" {
		for _, key := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
			if v, ok := lookup(key); ok && v != "" {
				c.APIKey = v
				break
			}
		}
	}
	str("API_KEY", &c.APIKey)
	str("TRANSPORT", &c.Transport)
	str("URL", &c.URL)
	str("MODEL", &c.Model)
	str("VOICE", &c.Voice)
	str("LANGUAGE", &c.Language)
	str("SYSTEM_PROMPT", &c.SystemPrompt)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_FILE", &c.LogFile)
	str("LOG_LEVEL", &c.LogLevel)

	for key, dst := range map[string]*int{
		"INPUT_SAMPLE_RATE":  &c.Audio.InputSampleRate,
		"OUTPUT_SAMPLE_RATE": &c.Audio.OutputSampleRate,
		"WINDOW_SIZE":        &c.Audio.WindowSize,
		"OUTPUT_BUFFER_MS":   &c.Audio.OutputBufferMS,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportGemini, TransportWebSocket:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportGemini, TransportWebSocket, c.Transport)
	}
	if c.Transport == TransportWebSocket && strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("url is required for the websocket transport")
	}
	a := c.Audio
	if a.InputSampleRate <= 0 || a.OutputSampleRate <= 0 {
		return fmt.Errorf("audio sample rates must be > 0")
	}
	if a.WindowSize <= 0 {
		return fmt.Errorf("audio.window_size must be > 0")
	}
	if a.VolumeGain < 0 {
		return fmt.Errorf("audio.volume_gain must be >= 0")
	}
	if a.SpeakingVolume < 0 || a.SpeakingVolume > 1 {
		return fmt.Errorf("audio.speaking_volume must be within [0,1]")
	}
	if a.DecodeConcurrency < 0 || a.MaxPendingFrames < 0 || a.OutputBufferMS < 0 {
		return fmt.Errorf("audio limits must be >= 0")
	}
	return nil
}

// RequireAPIKey is checked once a transport is chosen: the websocket
// gateway may run without auth, Gemini never does.
func (c *Config) RequireAPIKey() error {
	if c.Transport == TransportGemini && c.APIKey == "" {
		return fmt.Errorf("api key is required for the gemini transport (set GEMINI_API_KEY)")
	}
	return nil
}
