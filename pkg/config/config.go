// Package config loads and validates node configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Cluster, Indexer, Search, Scroll, Replication, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Search      SearchConfig      `yaml:"search"`
	Scroll      ScrollConfig      `yaml:"scroll"`
	Retry       RetryConfig       `yaml:"retry"`
	Replication ReplicationConfig `yaml:"replication"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ClusterConfig holds index defaults and write acknowledgement behaviour.
type ClusterConfig struct {
	NodeID          string `yaml:"nodeId"`
	DefaultShards   int    `yaml:"defaultShards"`
	DefaultReplicas int    `yaml:"defaultReplicas"`
	WaitForReplicas bool   `yaml:"waitForReplicas"`
	AutoCreateIndex bool   `yaml:"autoCreateIndex"`
}

// IndexerConfig controls segment compaction and shard snapshots.
type IndexerConfig struct {
	DataDir                string        `yaml:"dataDir"`
	MaxSegmentsBeforeMerge int           `yaml:"maxSegmentsBeforeMerge"`
	MergeInterval          time.Duration `yaml:"mergeInterval"`
	SnapshotInterval       time.Duration `yaml:"snapshotInterval"`
}

// SearchConfig controls query execution limits and timeouts.
type SearchConfig struct {
	DefaultSize                int           `yaml:"defaultSize"`
	MaxResultWindow            int           `yaml:"maxResultWindow"`
	TimeoutPerShard            time.Duration `yaml:"timeoutPerShard"`
	MaxConcurrentShardRequests int           `yaml:"maxConcurrentShardRequests"`
	Strict                     bool          `yaml:"strict"`
}

// ScrollConfig controls cursor storage and keep-alive bounds.
type ScrollConfig struct {
	Store         string        `yaml:"store"`
	DefaultTTL    time.Duration `yaml:"defaultTTL"`
	MaxTTL        time.Duration `yaml:"maxTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// RetryConfig bounds retries of transient shard failures.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// ReplicationConfig controls shipping of committed log entries to Kafka.
type ReplicationConfig struct {
	KafkaEnabled bool   `yaml:"kafkaEnabled"`
	TopicPrefix  string `yaml:"topicPrefix"`
	Follow       bool   `yaml:"follow"`
}

// Topic is the Kafka topic carrying committed entries of every shard.
func (r ReplicationConfig) Topic() string {
	return r.TopicPrefix + ".entries"
}

// CatalogConfig selects where index metadata is persisted.
type CatalogConfig struct {
	Backend string `yaml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for a single local node.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9200,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cluster: ClusterConfig{
			NodeID:          "node-0",
			DefaultShards:   1,
			DefaultReplicas: 1,
		},
		Indexer: IndexerConfig{
			DataDir:                "./data",
			MaxSegmentsBeforeMerge: 16,
			MergeInterval:          5 * time.Second,
			SnapshotInterval:       time.Minute,
		},
		Search: SearchConfig{
			DefaultSize:                10,
			MaxResultWindow:            10000,
			TimeoutPerShard:            5 * time.Second,
			MaxConcurrentShardRequests: 5,
		},
		Scroll: ScrollConfig{
			Store:         "memory",
			DefaultTTL:    time.Minute,
			MaxTTL:        24 * time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Replication: ReplicationConfig{
			TopicPrefix: "shardsearch.replication",
		},
		Catalog: CatalogConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "shardsearch",
			User:            "shardsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "shardsearch-followers",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Cluster.DefaultShards < 1 {
		return fmt.Errorf("cluster.defaultShards must be >= 1, got %d", c.Cluster.DefaultShards)
	}
	if c.Cluster.DefaultReplicas < 0 {
		return fmt.Errorf("cluster.defaultReplicas must be >= 0, got %d", c.Cluster.DefaultReplicas)
	}
	if c.Search.DefaultSize < 0 || c.Search.MaxResultWindow < 1 {
		return fmt.Errorf("search.defaultSize and search.maxResultWindow must be positive")
	}
	if c.Search.DefaultSize > c.Search.MaxResultWindow {
		return fmt.Errorf("search.defaultSize %d exceeds search.maxResultWindow %d", c.Search.DefaultSize, c.Search.MaxResultWindow)
	}
	switch c.Scroll.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("scroll.store must be memory or redis, got %q", c.Scroll.Store)
	}
	if c.Scroll.DefaultTTL <= 0 || c.Scroll.MaxTTL < c.Scroll.DefaultTTL {
		return fmt.Errorf("scroll.defaultTTL must be positive and not exceed scroll.maxTTL")
	}
	switch c.Catalog.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("catalog.backend must be memory or postgres, got %q", c.Catalog.Backend)
	}
	if c.Replication.KafkaEnabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("replication.kafkaEnabled requires kafka.brokers")
	}
	return nil
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("SP_DEFAULT_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.DefaultShards = n
		}
	}
	if v := os.Getenv("SP_DEFAULT_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.DefaultReplicas = n
		}
	}
	if v := os.Getenv("SP_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_SEARCH_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Search.Strict = b
		}
	}
	if v := os.Getenv("SP_SCROLL_STORE"); v != "" {
		cfg.Scroll.Store = v
	}
	if v := os.Getenv("SP_CATALOG_BACKEND"); v != "" {
		cfg.Catalog.Backend = v
	}
	if v := os.Getenv("SP_REPLICATION_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Replication.KafkaEnabled = b
		}
	}
	if v := os.Getenv("SP_REPLICATION_FOLLOW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Replication.Follow = b
		}
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
