package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the query orchestration service.
type Config struct {
	Router     RouterConfig     `json:"router" yaml:"router"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Persistent PersistentConfig `json:"persistent" yaml:"persistent"`
	Workflow   WorkflowConfig   `json:"workflow" yaml:"workflow"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	SQLTarget  SQLTargetConfig  `json:"sql_target" yaml:"sql_target"`
	// HTTP holds global defaults for outbound calls (retrieval endpoints).
	HTTP *HTTPClientConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// RouterConfig drives query classification. Rules are data, not code: the
// router stays a pure function over this table.
type RouterConfig struct {
	// Rules extend (or with Replace, override) the built-in keyword table.
	Rules   []RouteRule `json:"rules,omitempty" yaml:"rules,omitempty"`
	Replace bool        `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// RouteRule tags one trigger phrase with a route category.
// Category is one of "sql", "documents", "hybrid".
type RouteRule struct {
	Phrase   string  `json:"phrase" yaml:"phrase"`
	Category string  `json:"category" yaml:"category"`
	// Weight scales the rule's contribution to the confidence score.
	// Multi-word phrases default to 2.0, single keywords to 1.0.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// CacheConfig controls the ephemeral (hot result) cache tier.
type CacheConfig struct {
	Enable     bool `json:"enable" yaml:"enable"`
	MaxEntries int  `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// Per-category TTL overrides in seconds; zero keeps the default.
	RAGAnswerTTLSeconds     int `json:"rag_answer_ttl_seconds,omitempty" yaml:"rag_answer_ttl_seconds,omitempty"`
	SQLGenerationTTLSeconds int `json:"sql_generation_ttl_seconds,omitempty" yaml:"sql_generation_ttl_seconds,omitempty"`
	SQLResultTTLSeconds     int `json:"sql_result_ttl_seconds,omitempty" yaml:"sql_result_ttl_seconds,omitempty"`
	EmbeddingTTLSeconds     int `json:"embedding_ttl_seconds,omitempty" yaml:"embedding_ttl_seconds,omitempty"`
}

// PersistentConfig controls the content-addressed cache tier.
type PersistentConfig struct {
	// IndexPath is the sqlite database holding the hash index and refcounts.
	IndexPath string `json:"index_path" yaml:"index_path"`
	// Backend selects the payload store: "disk" or "memory".
	Backend string `json:"backend" yaml:"backend"`
	// Dir is the payload directory when backend is "disk".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// WorkflowConfig controls the SQL approval workflow.
type WorkflowConfig struct {
	// StorePath is the sqlite database holding jobs and their audit trail.
	StorePath string `json:"store_path" yaml:"store_path"`
	// SchemaContext is passed verbatim to SQL generation (table docs, DDL).
	SchemaContext string `json:"schema_context,omitempty" yaml:"schema_context,omitempty"`
}

// RetrievalConfig registers the document retrieval backend.
// Provider: "http" (external search service) or "milvus".
type RetrievalConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	TopK     int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	// Milvus-specific settings.
	Collection  string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Database    string `json:"database,omitempty" yaml:"database,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	VectorField string `json:"vector_field,omitempty" yaml:"vector_field,omitempty"`
	// FailFast cancels the other hybrid arm when this one errors.
	FailFast bool `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
}

// LLMConfig configures the completion model used for SQL generation and
// answer synthesis.
type LLMConfig struct {
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// ContextTokenBudget caps retrieved context fed to answer synthesis.
	ContextTokenBudget int `json:"context_token_budget,omitempty" yaml:"context_token_budget,omitempty"`
}

// EmbeddingConfig configures the embedding model.
type EmbeddingConfig struct {
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimension,omitempty"`
}

// SQLTargetConfig binds approved jobs to a target database.
type SQLTargetConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	// MaxRows truncates execution results; 0 means the default cap.
	MaxRows int `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
}

// HTTPClientConfig holds outbound HTTP client defaults.
type HTTPClientConfig struct {
	TimeoutMs              int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry                  int      `json:"retry,omitempty" yaml:"retry,omitempty"`
	BackoffMinMs           int      `json:"backoff_min_ms,omitempty" yaml:"backoff_min_ms,omitempty"`
	BackoffMaxMs           int      `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty"`
	HostAllowlist          []string `json:"host_allowlist,omitempty" yaml:"host_allowlist,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	CircuitOpenSeconds     int      `json:"circuit_open_seconds,omitempty" yaml:"circuit_open_seconds,omitempty"`
}

// Default TTLs per cache category.
const (
	DefaultRAGAnswerTTL     = time.Hour
	DefaultSQLGenerationTTL = 24 * time.Hour
	DefaultSQLResultTTL     = 15 * time.Minute
	DefaultEmbeddingTTL     = 7 * 24 * time.Hour
)

// RAGAnswerTTL returns the effective RAG_ANSWER TTL.
func (c CacheConfig) RAGAnswerTTL() time.Duration {
	return ttlOrDefault(c.RAGAnswerTTLSeconds, DefaultRAGAnswerTTL)
}

// SQLGenerationTTL returns the effective SQL_GENERATION TTL.
func (c CacheConfig) SQLGenerationTTL() time.Duration {
	return ttlOrDefault(c.SQLGenerationTTLSeconds, DefaultSQLGenerationTTL)
}

// SQLResultTTL returns the effective SQL_RESULT TTL.
func (c CacheConfig) SQLResultTTL() time.Duration {
	return ttlOrDefault(c.SQLResultTTLSeconds, DefaultSQLResultTTL)
}

// EmbeddingTTL returns the effective EMBEDDING TTL.
func (c CacheConfig) EmbeddingTTL() time.Duration {
	return ttlOrDefault(c.EmbeddingTTLSeconds, DefaultEmbeddingTTL)
}

func ttlOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}

// Load reads a yaml config file, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with safe defaults.
func (c *Config) ApplyDefaults() {
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 2048
	}
	if c.Persistent.Backend == "" {
		c.Persistent.Backend = "memory"
	}
	if c.Retrieval.Provider == "" {
		c.Retrieval.Provider = "http"
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.VectorField == "" {
		c.Retrieval.VectorField = "vector"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.ContextTokenBudget <= 0 {
		c.LLM.ContextTokenBudget = 3000
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.SQLTarget.Driver == "" {
		c.SQLTarget.Driver = "sqlite"
	}
	if c.SQLTarget.MaxRows <= 0 {
		c.SQLTarget.MaxRows = 1000
	}
}
