package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Oracle    OracleConfig
	Fetch     FetchConfig
	Queue     QueueConfig
	Evidence  EvidenceConfig
	Dedup     DedupConfig
	Graph     GraphConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Environment    string
}

type SQLiteConfig struct {
	Path          string
	BusyTimeoutMs int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

// BackendConfig describes one extraction backend. Backends are tried in list order.
type BackendConfig struct {
	Name        string
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type OracleConfig struct {
	Backends       []BackendConfig
	MaxInputChars  int
	FallbackCap    float64
	RequireBackend bool
	UseProse       bool
}

// FetchConfig controls loading submissions that carry only an http(s) source_ref.
type FetchConfig struct {
	Enabled    bool
	TimeoutSec int
	MaxBytes   int64
}

type QueueConfig struct {
	PollIntervalMs       int
	MaxAttempts          int
	ExtractionTimeoutSec int
}

type EvidenceConfig struct {
	DiscardThreshold         float64
	StepPerEvidence          float64
	ConfidenceCap            float64
	MaxContexts              int
	ContextMaxLen            int
	MaxSourceDocs            int
	ImplicitActorConfidence  float64
	AutoPromote              bool
	AutoPromoteMinEvidence   int
	AutoPromoteMinConfidence float64
}

type DedupConfig struct {
	Threshold       float64
	Strategy        string
	IntervalMinutes int
}

type GraphConfig struct {
	NodeBaseSize   float64
	NodeDegreeSize float64
	MinSharedTags  int
	CacheTTLSec    int
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

func (q QueueConfig) ExtractionTimeout() time.Duration {
	return time.Duration(q.ExtractionTimeoutSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/actor-graph")

	return load(v)
}

// LoadFile reads configuration from an explicit path instead of the search paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("ACTOR_GRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// MinPromotionEvidence is the fewest observations a suggestion needs before it can be
// promoted automatically.
const MinPromotionEvidence = 2

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.maxAttempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.PollIntervalMs <= 0 {
		return fmt.Errorf("queue.pollIntervalMs must be > 0")
	}
	if c.Evidence.ConfidenceCap <= 0 || c.Evidence.ConfidenceCap > 1 {
		return fmt.Errorf("evidence.confidenceCap must be in (0,1], got %v", c.Evidence.ConfidenceCap)
	}
	if c.Evidence.AutoPromote && c.Evidence.AutoPromoteMinEvidence < MinPromotionEvidence {
		return fmt.Errorf("evidence.autoPromoteMinEvidence must be >= %d when autoPromote is on, got %d",
			MinPromotionEvidence, c.Evidence.AutoPromoteMinEvidence)
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be in (0,1], got %v", c.Dedup.Threshold)
	}
	switch c.Dedup.Strategy {
	case "components", "greedy":
	default:
		return fmt.Errorf("dedup.strategy must be components or greedy, got %q", c.Dedup.Strategy)
	}
	for i, b := range c.Oracle.Backends {
		switch b.Provider {
		case "openai", "ollama", "anthropic":
		default:
			return fmt.Errorf("oracle.backends[%d]: unknown provider %q", i, b.Provider)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("server.environment", "development")

	v.SetDefault("sqlite.path", "./data/actorgraph.db")
	v.SetDefault("sqlite.busyTimeoutMs", 5000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("oracle.maxInputChars", 12000)
	v.SetDefault("oracle.fallbackCap", 0.7)
	v.SetDefault("oracle.requireBackend", false)
	v.SetDefault("oracle.useProse", true)

	v.SetDefault("fetch.enabled", true)
	v.SetDefault("fetch.timeoutSec", 10)
	v.SetDefault("fetch.maxBytes", 5242880)

	v.SetDefault("queue.pollIntervalMs", 2000)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.extractionTimeoutSec", 120)

	v.SetDefault("evidence.discardThreshold", 0.3)
	v.SetDefault("evidence.stepPerEvidence", 0.1)
	v.SetDefault("evidence.confidenceCap", 0.9)
	v.SetDefault("evidence.maxContexts", 5)
	v.SetDefault("evidence.contextMaxLen", 200)
	v.SetDefault("evidence.maxSourceDocs", 20)
	v.SetDefault("evidence.implicitActorConfidence", 0.3)
	v.SetDefault("evidence.autoPromote", false)
	v.SetDefault("evidence.autoPromoteMinEvidence", 3)
	v.SetDefault("evidence.autoPromoteMinConfidence", 0.8)

	v.SetDefault("dedup.threshold", 0.8)
	v.SetDefault("dedup.strategy", "components")
	v.SetDefault("dedup.intervalMinutes", 0)

	v.SetDefault("graph.nodeBaseSize", 10.0)
	v.SetDefault("graph.nodeDegreeSize", 2.0)
	v.SetDefault("graph.minSharedTags", 2)
	v.SetDefault("graph.cacheTTLSec", 900)

	v.SetDefault("ratelimit.requestsPerSecond", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 28)
}
