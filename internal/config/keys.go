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
		key: "server.max_upload_bytes", typ: kInt, env: "DOCCHAT_SERVER_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxUploadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxUploadBytes },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCCHAT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "gemini.api_key", typ: kString, env: "DOCCHAT_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "DOCCHAT_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.model", typ: kString, env: "DOCCHAT_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "generation.timeout", typ: kString, env: "DOCCHAT_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "embedding.timeout", typ: kString, env: "DOCCHAT_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "chunking.size", typ: kInt, env: "DOCCHAT_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "DOCCHAT_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "retrieval.per_doc_k", typ: kInt, env: "DOCCHAT_RETRIEVAL_PER_DOC_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.PerDocK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.PerDocK },
	},
	{
		key: "retrieval.max_snippets", typ: kInt, env: "DOCCHAT_RETRIEVAL_MAX_SNIPPETS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxSnippets = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxSnippets },
	},
	{
		key: "retrieval.ranking", typ: kString, env: "DOCCHAT_RETRIEVAL_RANKING",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Ranking = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Ranking },
	},
	{
		key: "cleanup.interval", typ: kString, env: "DOCCHAT_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cleanup.Interval },
	},
	{
		key: "log.level", typ: kString, env: "DOCCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
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
		}
	}
}
