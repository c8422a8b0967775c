// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration from YAML, overlays
// environment variables, validates it, and watches the file for changes to
// the runtime-tunable subset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/telemetry"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Storage   StorageConfig    `yaml:"storage"`
	Market    MarketConfig     `yaml:"market"`
	Cache     CacheConfig      `yaml:"cache"`
	Weaviate  WeaviateConfig   `yaml:"weaviate"`
	LLM       LLMConfig        `yaml:"llm"`
	Rerank    RerankConfig     `yaml:"rerank"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Influx    InfluxConfig     `yaml:"influx"`
	Knowledge KnowledgeConfig  `yaml:"knowledge"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Secrets   SecretsConfig    `yaml:"secrets"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"GROUNDED_ADDR" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// SessionIdle is how long an unused session is kept.
	SessionIdle time.Duration `yaml:"session_idle" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"GROUNDED_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" env:"GROUNDED_LOG_DIR"`
	JSON  bool   `yaml:"json" env:"GROUNDED_LOG_JSON"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"GROUNDED_SQLITE_PATH" validate:"required"`

	// BadgerDir holds the embedding cache. Empty disables it.
	BadgerDir         string        `yaml:"badger_dir" env:"GROUNDED_BADGER_DIR"`
	EmbeddingCacheTTL time.Duration `yaml:"embedding_cache_ttl" validate:"gte=0"`
}

type MarketConfig struct {
	BaseURL      string        `yaml:"base_url" env:"MARKET_BASE_URL" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerSec   float64       `yaml:"rate_per_sec" validate:"gte=0"`
	RateBurst    int           `yaml:"rate_burst" validate:"gte=0"`
	MonthlyLimit int           `yaml:"monthly_limit" env:"MARKET_MONTHLY_LIMIT" validate:"gt=0"`
	APIName      string        `yaml:"api_name" validate:"required"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" validate:"gt=0"`
	EvictBatch int `yaml:"evict_batch" validate:"gt=0,ltefield=MaxEntries"`
}

type WeaviateConfig struct {
	Scheme string `yaml:"scheme" env:"WEAVIATE_SCHEME" validate:"oneof=http https"`
	Host   string `yaml:"host" env:"WEAVIATE_HOST" validate:"required"`
}

type LLMConfig struct {
	Provider       string        `yaml:"provider" env:"LLM_PROVIDER" validate:"oneof=openai ollama"`
	Model          string        `yaml:"model" env:"LLM_MODEL"`
	EmbeddingModel string        `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	OpenAIBaseURL  string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL" validate:"omitempty,url"`
	OllamaURL      string        `yaml:"ollama_url" env:"OLLAMA_BASE_URL" validate:"omitempty,url"`
	Temperature    *float32      `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      *int          `yaml:"max_tokens" validate:"omitempty,gt=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
}

// RerankConfig points at an optional cross-encoder service.
type RerankConfig struct {
	URL     string        `yaml:"url" env:"RERANK_URL" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// PipelineConfig holds the question pipeline knobs. The fields listed in
// Tunables can change without a restart.
type PipelineConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	TopK                int     `yaml:"top_k" validate:"gt=0,lte=50"`
	MaxRegenerations    int     `yaml:"max_regenerations" validate:"gte=0,lte=5"`
	ContextTurns        int     `yaml:"context_turns" validate:"gte=0"`
	MaxTurns            int     `yaml:"max_turns" validate:"gt=0"`
	TokenBudget         int     `yaml:"token_budget" validate:"gt=0"`
	ParallelCalls       int     `yaml:"parallel_calls" validate:"gt=0"`
}

// InfluxConfig enables price history recording when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"INFLUX_URL" validate:"omitempty,url"`
	Org    string `yaml:"org" env:"INFLUX_ORG" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET" validate:"required_with=URL"`
}

type KnowledgeConfig struct {
	DataDir   string `yaml:"data_dir" env:"KB_DATA_DIR"`
	GCSBucket string `yaml:"gcs_bucket" env:"KB_GCS_BUCKET"`
	GCSPrefix string `yaml:"gcs_prefix"`

	// GCSCredentialsFile is a service account key. Empty uses application
	// default credentials.
	GCSCredentialsFile string `yaml:"gcs_credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// SecretsConfig names where keys are read from. Values never live in the
// config file.
type SecretsConfig struct {
	Dir string `yaml:"dir" env:"GROUNDED_SECRETS_DIR"`
}

// DefaultConfig returns a configuration that runs against local services.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			SessionIdle:  30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{
			SQLitePath:        "data/grounding.db",
			BadgerDir:         "data/embeddings",
			EmbeddingCacheTTL: 30 * 24 * time.Hour,
		},
		Market: MarketConfig{
			BaseURL:      "https://freecryptoapi.com/api/v1",
			Timeout:      10 * time.Second,
			RatePerSec:   5,
			RateBurst:    5,
			MonthlyLimit: 100000,
			APIName:      "freecryptoapi",
		},
		Cache:    CacheConfig{MaxEntries: 1000, EvictBatch: 100},
		Weaviate: WeaviateConfig{Scheme: "http", Host: "localhost:8080"},
		LLM: LLMConfig{
			Provider:  "openai",
			OllamaURL: "http://localhost:11434",
			Timeout:   2 * time.Minute,
		},
		Rerank: RerankConfig{Timeout: 10 * time.Second},
		Pipeline: PipelineConfig{
			SimilarityThreshold: 0.5,
			TopK:                5,
			MaxRegenerations:    2,
			ContextTurns:        8,
			MaxTurns:            20,
			TokenBudget:         4000,
			ParallelCalls:       4,
		},
		Knowledge: KnowledgeConfig{DataDir: "data/knowledge_base", GCSPrefix: "kb-snapshots"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over DefaultConfig, overlays the environment, fills zero
// values and validates. A missing file is not an error; an empty path skips
// the file entirely.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyDefaults restores defaults for fields a partial file zeroed out.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if cfg.Market.BaseURL == "" {
		cfg.Market.BaseURL = d.Market.BaseURL
	}
	if cfg.Market.Timeout == 0 {
		cfg.Market.Timeout = d.Market.Timeout
	}
	if cfg.Market.MonthlyLimit == 0 {
		cfg.Market.MonthlyLimit = d.Market.MonthlyLimit
	}
	if cfg.Market.APIName == "" {
		cfg.Market.APIName = d.Market.APIName
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = d.Cache.MaxEntries
	}
	if cfg.Cache.EvictBatch == 0 {
		cfg.Cache.EvictBatch = d.Cache.EvictBatch
	}
	if cfg.Weaviate.Scheme == "" {
		cfg.Weaviate.Scheme = d.Weaviate.Scheme
	}
	if cfg.Weaviate.Host == "" {
		cfg.Weaviate.Host = d.Weaviate.Host
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	if cfg.Pipeline.SimilarityThreshold == 0 {
		cfg.Pipeline.SimilarityThreshold = d.Pipeline.SimilarityThreshold
	}
	if cfg.Pipeline.TopK == 0 {
		cfg.Pipeline.TopK = d.Pipeline.TopK
	}
	if cfg.Pipeline.MaxTurns == 0 {
		cfg.Pipeline.MaxTurns = d.Pipeline.MaxTurns
	}
	if cfg.Pipeline.TokenBudget == 0 {
		cfg.Pipeline.TokenBudget = d.Pipeline.TokenBudget
	}
	if cfg.Pipeline.ParallelCalls == 0 {
		cfg.Pipeline.ParallelCalls = d.Pipeline.ParallelCalls
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = d.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = d.Telemetry.MetricExporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// Validate checks struct constraints and returns every violation joined.
func Validate(cfg Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Tunables is the subset of Config applied without a restart.
type Tunables struct {
	SimilarityThreshold float64
	TopK                int
	MaxRegenerations    int
	MonthlyLimit        int
}

// Tunables extracts the hot-reloadable settings.
func (c Config) Tunables() Tunables {
	return Tunables{
		SimilarityThreshold: c.Pipeline.SimilarityThreshold,
		TopK:                c.Pipeline.TopK,
		MaxRegenerations:    c.Pipeline.MaxRegenerations,
		MonthlyLimit:        c.Market.MonthlyLimit,
	}
}
