package agentloop

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mvidakovic/agentloop/providers"
)

// ProviderConfig is one registry entry in a config file. Credential values
// support ${ENV} expansion.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	TopK        *int     `yaml:"top_k"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

// FileConfig is the YAML representation of a registry plus dispatcher
// options. Durations are strings in Go syntax ("30s", "1m").
type FileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Priority  []string         `yaml:"priority"`

	Passes            int    `yaml:"passes"`
	FirstChunkTimeout string `yaml:"first_chunk_timeout"`
	ChunkTimeout      string `yaml:"chunk_timeout"`
	RetryCeiling      int    `yaml:"retry_ceiling"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-supplied config path
	if err != nil {
		return nil, fmt.Errorf("agentloop: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agentloop: parse config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("agentloop: config declares no providers")
	}
	return &cfg, nil
}

// Registry builds the provider registry described by the config.
func (c *FileConfig) Registry(logger *slog.Logger) (*Registry, error) {
	entries := make([]Entry, 0, len(c.Providers))
	for _, p := range c.Providers {
		entries = append(entries, Entry{
			Name:    p.Name,
			Kind:    ProviderKind(p.Kind),
			Model:   p.Model,
			APIKey:  os.ExpandEnv(p.APIKey),
			BaseURL: p.BaseURL,
			Defaults: providers.SamplingParams{
				Temperature: p.Temperature,
				TopP:        p.TopP,
				TopK:        p.TopK,
				MaxTokens:   p.MaxTokens,
			},
		})
	}
	return NewRegistry(logger, entries...)
}

// Dispatcher builds a dispatcher from the config.
func (c *FileConfig) Dispatcher(logger *slog.Logger, observer Observer) (*Dispatcher, error) {
	registry, err := c.Registry(logger)
	if err != nil {
		return nil, err
	}

	firstTimeout, err := parseDuration(c.FirstChunkTimeout)
	if err != nil {
		return nil, fmt.Errorf("agentloop: first_chunk_timeout: %w", err)
	}
	chunkTimeout, err := parseDuration(c.ChunkTimeout)
	if err != nil {
		return nil, fmt.Errorf("agentloop: chunk_timeout: %w", err)
	}

	return NewDispatcher(DispatcherConfig{
		Registry:          registry,
		Priority:          c.Priority,
		Passes:            c.Passes,
		FirstChunkTimeout: firstTimeout,
		ChunkTimeout:      chunkTimeout,
		RetryCeiling:      c.RetryCeiling,
		Observer:          observer,
		Logger:            logger,
	})
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
