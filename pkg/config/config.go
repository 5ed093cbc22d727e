// Package config handles kbgraph configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --in-memory, etc.)
//  2. Environment variables (KBGRAPH_*)
//  3. Config file (kbgraph.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	db, err := kb.Open(cfg)
//
// Environment Variables (all use KBGRAPH_ prefix):
//
// Storage:
//   - KBGRAPH_DATA_DIR="./data"
//   - KBGRAPH_IN_MEMORY=false
//   - KBGRAPH_SYNC_WRITES=false
//   - KBGRAPH_LOW_MEMORY=false
//   - KBGRAPH_ENCRYPTION_PASSWORD=""
//   - KBGRAPH_ITERATOR_BATCH_SIZE=256
//   - KBGRAPH_SEQUENCE_BANDWIDTH=1000
//   - KBGRAPH_RETRY_ATTEMPTS=3
//   - KBGRAPH_RETRY_BACKOFF="10ms"
//
// Traversal:
//   - KBGRAPH_PARALLELISATION=4
//   - KBGRAPH_BATCH_SIZE=64
//
// Reasoner:
//   - KBGRAPH_REASONER_ENABLED=true
//   - KBGRAPH_REASONER_WORKERS=8
//   - KBGRAPH_REASONER_MAX_ITERATIONS=0 (unbounded)
//   - KBGRAPH_EXPLAIN=false
//
// Cache:
//   - KBGRAPH_SCHEMA_CACHE_SIZE=4096
//   - KBGRAPH_CONCEPT_CACHE_SIZE=10000
//
// Logging and metrics:
//   - KBGRAPH_LOG_LEVEL="info"
//   - KBGRAPH_METRICS_ENABLED=false
//   - KBGRAPH_METRICS_NAMESPACE="kbgraph"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kbgraph configuration.
type Config struct {
	Storage   StorageConfig
	Traversal TraversalConfig
	Reasoner  ReasonerConfig
	Cache     CacheConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// StorageConfig controls the badger-backed key-value store.
type StorageConfig struct {
	// DataDir is where badger keeps its files. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps everything in RAM. Used by tests and throwaway runs.
	InMemory bool

	// SyncWrites fsyncs after every commit.
	SyncWrites bool

	// LowMemory shrinks badger's memtables and caches.
	LowMemory bool

	// EncryptionPassword enables encryption at rest when non-empty. The key is
	// derived from the password and a salt stored next to the data.
	// WARNING: losing the password makes the data unrecoverable.
	EncryptionPassword string

	// IteratorBatchSize is the number of entries a storage iterator fetches
	// per refill.
	IteratorBatchSize int

	// SequenceBandwidth is the number of IDs leased from badger per sequence
	// refill.
	SequenceBandwidth int

	// RetryAttempts and RetryBackoff configure retries of read paths on
	// temporary backend failures.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// TraversalConfig controls the traversal producer.
type TraversalConfig struct {
	// Parallelisation is the number of concurrent traversal workers.
	Parallelisation int

	// BatchSize is the number of answers requested per producer round.
	BatchSize int
}

// ReasonerConfig controls rule resolution.
type ReasonerConfig struct {
	Enabled bool

	// Workers bounds the number of actor mailboxes drained concurrently.
	Workers int

	// MaxIterations caps fixed-point iterations per query (0 = unbounded).
	MaxIterations int

	// Explain records derivations for answers.
	Explain bool
}

// CacheConfig sizes the schema and concept caches.
type CacheConfig struct {
	SchemaCacheSize  int
	ConceptCacheSize int
}

// LoggingConfig sets the minimum log level: debug, info, warn or error.
type LoggingConfig struct {
	Level string
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// LoadDefaults returns a Config populated with built-in defaults.
func LoadDefaults() *Config {
	config := &Config{}

	config.Storage.DataDir = "./data"
	config.Storage.InMemory = false
	config.Storage.SyncWrites = false
	config.Storage.LowMemory = false
	config.Storage.EncryptionPassword = "" // disabled by default
	config.Storage.IteratorBatchSize = 256
	config.Storage.SequenceBandwidth = 1000
	config.Storage.RetryAttempts = 3
	config.Storage.RetryBackoff = 10 * time.Millisecond

	config.Traversal.Parallelisation = 4
	config.Traversal.BatchSize = 64

	config.Reasoner.Enabled = true
	config.Reasoner.Workers = 8
	config.Reasoner.MaxIterations = 0
	config.Reasoner.Explain = false

	config.Cache.SchemaCacheSize = 4096
	config.Cache.ConceptCacheSize = 10000

	config.Logging.Level = "info"

	config.Metrics.Enabled = false
	config.Metrics.Namespace = "kbgraph"

	return config
}

// LoadFromEnv returns the defaults overridden by KBGRAPH_* environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	config.Storage.DataDir = getEnv("KBGRAPH_DATA_DIR", config.Storage.DataDir)
	config.Storage.InMemory = getEnvBool("KBGRAPH_IN_MEMORY", config.Storage.InMemory)
	config.Storage.SyncWrites = getEnvBool("KBGRAPH_SYNC_WRITES", config.Storage.SyncWrites)
	config.Storage.LowMemory = getEnvBool("KBGRAPH_LOW_MEMORY", config.Storage.LowMemory)
	config.Storage.EncryptionPassword = getEnv("KBGRAPH_ENCRYPTION_PASSWORD", config.Storage.EncryptionPassword)
	config.Storage.IteratorBatchSize = getEnvInt("KBGRAPH_ITERATOR_BATCH_SIZE", config.Storage.IteratorBatchSize)
	config.Storage.SequenceBandwidth = getEnvInt("KBGRAPH_SEQUENCE_BANDWIDTH", config.Storage.SequenceBandwidth)
	config.Storage.RetryAttempts = getEnvInt("KBGRAPH_RETRY_ATTEMPTS", config.Storage.RetryAttempts)
	config.Storage.RetryBackoff = getEnvDuration("KBGRAPH_RETRY_BACKOFF", config.Storage.RetryBackoff)

	config.Traversal.Parallelisation = getEnvInt("KBGRAPH_PARALLELISATION", config.Traversal.Parallelisation)
	config.Traversal.BatchSize = getEnvInt("KBGRAPH_BATCH_SIZE", config.Traversal.BatchSize)

	config.Reasoner.Enabled = getEnvBool("KBGRAPH_REASONER_ENABLED", config.Reasoner.Enabled)
	config.Reasoner.Workers = getEnvInt("KBGRAPH_REASONER_WORKERS", config.Reasoner.Workers)
	config.Reasoner.MaxIterations = getEnvInt("KBGRAPH_REASONER_MAX_ITERATIONS", config.Reasoner.MaxIterations)
	config.Reasoner.Explain = getEnvBool("KBGRAPH_EXPLAIN", config.Reasoner.Explain)

	config.Cache.SchemaCacheSize = getEnvInt("KBGRAPH_SCHEMA_CACHE_SIZE", config.Cache.SchemaCacheSize)
	config.Cache.ConceptCacheSize = getEnvInt("KBGRAPH_CONCEPT_CACHE_SIZE", config.Cache.ConceptCacheSize)

	config.Logging.Level = getEnv("KBGRAPH_LOG_LEVEL", config.Logging.Level)

	config.Metrics.Enabled = getEnvBool("KBGRAPH_METRICS_ENABLED", config.Metrics.Enabled)
	config.Metrics.Namespace = getEnv("KBGRAPH_METRICS_NAMESPACE", config.Metrics.Namespace)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory required when not running in memory")
	}
	if c.Storage.InMemory && c.Storage.EncryptionPassword != "" {
		return fmt.Errorf("encryption requires an on-disk store")
	}
	if c.Storage.IteratorBatchSize <= 0 {
		return fmt.Errorf("invalid iterator batch size: %d", c.Storage.IteratorBatchSize)
	}
	if c.Storage.SequenceBandwidth <= 0 {
		return fmt.Errorf("invalid sequence bandwidth: %d", c.Storage.SequenceBandwidth)
	}
	if c.Storage.RetryAttempts < 1 {
		return fmt.Errorf("invalid retry attempts: %d", c.Storage.RetryAttempts)
	}
	if c.Traversal.Parallelisation <= 0 {
		return fmt.Errorf("invalid parallelisation: %d", c.Traversal.Parallelisation)
	}
	if c.Traversal.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.Traversal.BatchSize)
	}
	if c.Reasoner.Workers <= 0 {
		return fmt.Errorf("invalid reasoner workers: %d", c.Reasoner.Workers)
	}
	if c.Reasoner.MaxIterations < 0 {
		return fmt.Errorf("invalid max iterations: %d", c.Reasoner.MaxIterations)
	}
	if c.Cache.SchemaCacheSize <= 0 || c.Cache.ConceptCacheSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}

// String returns a representation safe for logging: the encryption password
// is never included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, Encrypted: %v, Parallelisation: %d, Reasoner: %v, LogLevel: %s}",
		c.Storage.DataDir, c.Storage.InMemory, c.Storage.EncryptionPassword != "",
		c.Traversal.Parallelisation, c.Reasoner.Enabled, c.Logging.Level,
	)
}

// YAMLConfig mirrors the configuration file layout. Durations are strings
// ("10ms", "1s"); pointer fields distinguish "unset" from false.
type YAMLConfig struct {
	Storage struct {
		DataDir            string `yaml:"data_dir"`
		InMemory           *bool  `yaml:"in_memory"`
		SyncWrites         *bool  `yaml:"sync_writes"`
		LowMemory          *bool  `yaml:"low_memory"`
		EncryptionPassword string `yaml:"encryption_password"`
		IteratorBatchSize  int    `yaml:"iterator_batch_size"`
		SequenceBandwidth  int    `yaml:"sequence_bandwidth"`
		RetryAttempts      int    `yaml:"retry_attempts"`
		RetryBackoff       string `yaml:"retry_backoff"`
	} `yaml:"storage"`

	Traversal struct {
		Parallelisation int `yaml:"parallelisation"`
		BatchSize       int `yaml:"batch_size"`
	} `yaml:"traversal"`

	Reasoner struct {
		Enabled       *bool `yaml:"enabled"`
		Workers       int   `yaml:"workers"`
		MaxIterations int   `yaml:"max_iterations"`
		Explain       *bool `yaml:"explain"`
	} `yaml:"reasoner"`

	Cache struct {
		SchemaCacheSize  int `yaml:"schema_cache_size"`
		ConceptCacheSize int `yaml:"concept_cache_size"`
	} `yaml:"cache"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled   *bool  `yaml:"enabled"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// LoadFromFile loads defaults, then the YAML file at configPath (a missing
// file is not an error), then environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Storage ===
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	setBool(&config.Storage.InMemory, yamlCfg.Storage.InMemory)
	setBool(&config.Storage.SyncWrites, yamlCfg.Storage.SyncWrites)
	setBool(&config.Storage.LowMemory, yamlCfg.Storage.LowMemory)
	if yamlCfg.Storage.EncryptionPassword != "" {
		config.Storage.EncryptionPassword = yamlCfg.Storage.EncryptionPassword
	}
	if yamlCfg.Storage.IteratorBatchSize > 0 {
		config.Storage.IteratorBatchSize = yamlCfg.Storage.IteratorBatchSize
	}
	if yamlCfg.Storage.SequenceBandwidth > 0 {
		config.Storage.SequenceBandwidth = yamlCfg.Storage.SequenceBandwidth
	}
	if yamlCfg.Storage.RetryAttempts > 0 {
		config.Storage.RetryAttempts = yamlCfg.Storage.RetryAttempts
	}
	if yamlCfg.Storage.RetryBackoff != "" {
		d, err := time.ParseDuration(yamlCfg.Storage.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid storage.retry_backoff %q: %w", yamlCfg.Storage.RetryBackoff, err)
		}
		config.Storage.RetryBackoff = d
	}

	// === Traversal ===
	if yamlCfg.Traversal.Parallelisation > 0 {
		config.Traversal.Parallelisation = yamlCfg.Traversal.Parallelisation
	}
	if yamlCfg.Traversal.BatchSize > 0 {
		config.Traversal.BatchSize = yamlCfg.Traversal.BatchSize
	}

	// === Reasoner ===
	setBool(&config.Reasoner.Enabled, yamlCfg.Reasoner.Enabled)
	if yamlCfg.Reasoner.Workers > 0 {
		config.Reasoner.Workers = yamlCfg.Reasoner.Workers
	}
	if yamlCfg.Reasoner.MaxIterations > 0 {
		config.Reasoner.MaxIterations = yamlCfg.Reasoner.MaxIterations
	}
	setBool(&config.Reasoner.Explain, yamlCfg.Reasoner.Explain)

	// === Cache ===
	if yamlCfg.Cache.SchemaCacheSize > 0 {
		config.Cache.SchemaCacheSize = yamlCfg.Cache.SchemaCacheSize
	}
	if yamlCfg.Cache.ConceptCacheSize > 0 {
		config.Cache.ConceptCacheSize = yamlCfg.Cache.ConceptCacheSize
	}

	// === Logging / Metrics ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	setBool(&config.Metrics.Enabled, yamlCfg.Metrics.Enabled)
	if yamlCfg.Metrics.Namespace != "" {
		config.Metrics.Namespace = yamlCfg.Metrics.Namespace
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// FindConfigFile returns the first existing config file from the standard
// locations, or "" when none exists.
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".kbgraph", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "kbgraph.yaml"))
	}
	candidates = append(candidates, "kbgraph.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "kbgraph", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as milliseconds
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
