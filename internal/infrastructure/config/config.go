package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	ColdPath  ColdPathConfig  `mapstructure:"cold_path"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Echo      EchoConfig      `mapstructure:"echo"`
	State     StateConfig     `mapstructure:"state"`
	Sleep     SleepConfig     `mapstructure:"sleep"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig controls log output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig is the upstream OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

// EmbeddingConfig is the Ollama embedding backend.
type EmbeddingConfig struct {
	OllamaURL string `mapstructure:"ollama_url"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// RedisConfig is the chunk KV store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ChunkTTL time.Duration `mapstructure:"chunk_ttl"`
}

// QdrantConfig is the vector index.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// Neo4jConfig is the knowledge graph.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MemoryConfig tunes the hot-path context window. The offload ratio
// triggers relief, the target ratio is where shedding stops, and the
// hysteresis ratio arms re-triggering after a prior relief.
type MemoryConfig struct {
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	OffloadRatio     float64 `mapstructure:"offload_ratio"`
	TargetRatio      float64 `mapstructure:"target_ratio"`
	HysteresisRatio  float64 `mapstructure:"hysteresis_ratio"`
	MaxQueueSize     int     `mapstructure:"max_queue_size"`
}

// ColdPathConfig tunes the ingestion worker.
type ColdPathConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

// RAGConfig tunes retrieval.
type RAGConfig struct {
	TopKSemantic   int     `mapstructure:"top_k_semantic"`
	TopKRelational int     `mapstructure:"top_k_relational"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

// EchoConfig tunes the repetition guard.
type EchoConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	HistorySize         int     `mapstructure:"history_size"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	StripOnAttempt      int     `mapstructure:"strip_on_attempt"`
}

// StateConfig tunes state tracking and boredom detection.
type StateConfig struct {
	PatternFile      string         `mapstructure:"pattern_file"`
	BoredomThreshold int            `mapstructure:"boredom_threshold"`
	InjectionLimits  map[string]int `mapstructure:"injection_limits"`
}

// SleepConfig tunes the consolidation cycle.
type SleepConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	AgeThreshold time.Duration `mapstructure:"age_threshold"`
	GroupSize    int           `mapstructure:"group_size"`
}

// Load reads config.yaml (./config/ or .) if present, then applies
// VICW_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("VICW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on settings that would only surface as runtime
// corruption: a missing LLM endpoint and threshold ratios out of order.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required (set VICW_LLM_BASE_URL)")
	}
	if c.Memory.MaxContextTokens <= 0 {
		return fmt.Errorf("memory.max_context_tokens must be positive, got %d", c.Memory.MaxContextTokens)
	}
	m := c.Memory
	if !(m.TargetRatio < m.HysteresisRatio && m.HysteresisRatio <= m.OffloadRatio) {
		return fmt.Errorf("memory ratios must satisfy target < hysteresis <= offload, got %.2f/%.2f/%.2f",
			m.TargetRatio, m.HysteresisRatio, m.OffloadRatio)
	}
	if m.OffloadRatio >= 1.0 {
		return fmt.Errorf("memory.offload_ratio must be below 1.0, got %.2f", m.OffloadRatio)
	}
	if c.Echo.SimilarityThreshold <= 0 || c.Echo.SimilarityThreshold > 1 {
		return fmt.Errorf("echo.similarity_threshold must be in (0,1], got %.2f", c.Echo.SimilarityThreshold)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("llm.base_url", "http://localhost:1234/v1")
	v.SetDefault("llm.model", "local-model")
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.temperature", 0.3)

	v.SetDefault("embedding.ollama_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "all-minilm")
	v.SetDefault("embedding.dimension", 384)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.chunk_ttl", "24h")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "vicw_memory")

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")

	v.SetDefault("memory.max_context_tokens", 4096)
	v.SetDefault("memory.offload_ratio", 0.80)
	v.SetDefault("memory.target_ratio", 0.60)
	v.SetDefault("memory.hysteresis_ratio", 0.70)
	v.SetDefault("memory.max_queue_size", 100)

	v.SetDefault("cold_path.workers", 4)
	v.SetDefault("cold_path.batch_size", 3)

	v.SetDefault("rag.top_k_semantic", 2)
	v.SetDefault("rag.top_k_relational", 5)
	v.SetDefault("rag.score_threshold", 0.4)

	v.SetDefault("echo.enabled", true)
	v.SetDefault("echo.similarity_threshold", 0.95)
	v.SetDefault("echo.history_size", 10)
	v.SetDefault("echo.max_attempts", 3)
	v.SetDefault("echo.strip_on_attempt", 3)

	v.SetDefault("state.boredom_threshold", 5)
	v.SetDefault("state.injection_limits", map[string]int{
		"goal": 2, "task": 3, "decision": 2, "fact": 3,
	})

	v.SetDefault("sleep.interval", "60s")
	v.SetDefault("sleep.age_threshold", "10m")
	v.SetDefault("sleep.group_size", 5)
}
