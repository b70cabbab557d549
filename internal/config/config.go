// Package config loads service configuration from a JSON file at an
// XDG-compatible path, with DOCCHAT_* environment variables taking
// precedence. The provider API key is a secret and is never written to
// the config file; it must come from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Storage   StorageConfig
	Chunking  ChunkingConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Cache     CacheConfig
	Chat      ChatConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// Token is the bearer token clients must present. Generated and
	// persisted on first load when unset.
	Token string
}

type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	OptimalTokens int
	MinTokens     int
	MaxTokens     int
	OverlapTokens int
}

type EmbeddingConfig struct {
	BatchSize       int
	ParallelBatches int
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
}

type CacheConfig struct {
	EmbeddingTTLHours int
	DocumentTTLHours  int
}

type ChatConfig struct {
	MaxContextTokens int
	MaxHistory       int
}

type LogConfig struct {
	Level string
}

// SpoolDir is where uploaded PDFs wait for the ingest worker.
func (c Config) SpoolDir() string {
	return filepath.Join(c.Storage.DataDir, "spool")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Provider: ProviderConfig{
			BaseURL:    "https://api.openai.com",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			OptimalTokens: 800,
			MinTokens:     100,
			MaxTokens:     1200,
			OverlapTokens: 150,
		},
		Embedding: EmbeddingConfig{
			BatchSize:       100,
			ParallelBatches: 3,
		},
		Retrieval: RetrievalConfig{
			TopK:          8,
			MinSimilarity: 0.1,
		},
		Cache: CacheConfig{
			EmbeddingTTLHours: 168,
			DocumentTTLHours:  720,
		},
		Chat: ChatConfig{
			MaxContextTokens: 4000,
			MaxHistory:       10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docchat-data"
		}
	}
	return filepath.Join(dir, "docchat")
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/docchat/config.json and applies DOCCHAT_* environment
// overrides. The bearer token is generated and persisted on first load.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf(
			"missing required config: provider API key. Set it via environment variable DOCCHAT_API_KEY")
	}

	if cfg.Server.Token == "" {
		token, err := generateToken()
		if err != nil {
			return Config{}, fmt.Errorf("generating bearer token: %w", err)
		}
		if err := b.SetString("server.token", token); err != nil {
			return Config{}, fmt.Errorf("persisting bearer token: %w", err)
		}
		cfg.Server.Token = token
	}

	return cfg, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
