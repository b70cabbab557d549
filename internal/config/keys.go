package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DOCCHAT_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.token", typ: kString, env: "DOCCHAT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "provider.base_url", typ: kString, env: "DOCCHAT_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: "DOCCHAT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.embed_model", typ: kString, env: "DOCCHAT_PROVIDER_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.EmbedModel },
	},
	{
		key: "provider.chat_model", typ: kString, env: "DOCCHAT_PROVIDER_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ChatModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "chunking.optimal_tokens", typ: kInt, env: "DOCCHAT_CHUNKING_OPTIMAL_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.OptimalTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.OptimalTokens },
	},
	{
		key: "chunking.min_tokens", typ: kInt, env: "DOCCHAT_CHUNKING_MIN_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MinTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MinTokens },
	},
	{
		key: "chunking.max_tokens", typ: kInt, env: "DOCCHAT_CHUNKING_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MaxTokens },
	},
	{
		key: "chunking.overlap_tokens", typ: kInt, env: "DOCCHAT_CHUNKING_OVERLAP_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.OverlapTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.OverlapTokens },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "DOCCHAT_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.parallel_batches", typ: kInt, env: "DOCCHAT_EMBEDDING_PARALLEL_BATCHES",
		apply:   func(cfg *Config, v any) { cfg.Embedding.ParallelBatches = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.ParallelBatches },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCCHAT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "DOCCHAT_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "cache.embedding_ttl_hours", typ: kInt, env: "DOCCHAT_CACHE_EMBEDDING_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.EmbeddingTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.EmbeddingTTLHours },
	},
	{
		key: "cache.document_ttl_hours", typ: kInt, env: "DOCCHAT_CACHE_DOCUMENT_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.DocumentTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.DocumentTTLHours },
	},
	{
		key: "chat.max_context_tokens", typ: kInt, env: "DOCCHAT_CHAT_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxContextTokens },
	},
	{
		key: "chat.max_history", typ: kInt, env: "DOCCHAT_CHAT_MAX_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxHistory = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxHistory },
	},
	{
		key: "log.level", typ: kString, env: "DOCCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		// The token lives in the backend file; the API key never does.
		if s.secret && s.key != "server.token" {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
