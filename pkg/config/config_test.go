package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"KBGRAPH_DATA_DIR", "KBGRAPH_IN_MEMORY", "KBGRAPH_SYNC_WRITES", "KBGRAPH_LOW_MEMORY",
	"KBGRAPH_ENCRYPTION_PASSWORD", "KBGRAPH_ITERATOR_BATCH_SIZE", "KBGRAPH_SEQUENCE_BANDWIDTH",
	"KBGRAPH_RETRY_ATTEMPTS", "KBGRAPH_RETRY_BACKOFF", "KBGRAPH_PARALLELISATION", "KBGRAPH_BATCH_SIZE",
	"KBGRAPH_REASONER_ENABLED", "KBGRAPH_REASONER_WORKERS", "KBGRAPH_REASONER_MAX_ITERATIONS",
	"KBGRAPH_EXPLAIN", "KBGRAPH_SCHEMA_CACHE_SIZE", "KBGRAPH_CONCEPT_CACHE_SIZE", "KBGRAPH_LOG_LEVEL",
	"KBGRAPH_METRICS_ENABLED", "KBGRAPH_METRICS_NAMESPACE",
}

// clearEnvVars blanks every KBGRAPH_ variable for the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadFromEnv()

	if cfg.Storage.DataDir != "./data" {
		t.Errorf("expected data dir './data', got %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.InMemory {
		t.Error("expected InMemory to be false by default")
	}
	if cfg.Storage.IteratorBatchSize != 256 {
		t.Errorf("expected iterator batch size 256, got %d", cfg.Storage.IteratorBatchSize)
	}
	if cfg.Storage.RetryBackoff != 10*time.Millisecond {
		t.Errorf("expected retry backoff 10ms, got %v", cfg.Storage.RetryBackoff)
	}
	if cfg.Traversal.Parallelisation != 4 {
		t.Errorf("expected parallelisation 4, got %d", cfg.Traversal.Parallelisation)
	}
	if !cfg.Reasoner.Enabled {
		t.Error("expected reasoner enabled by default")
	}
	if cfg.Reasoner.MaxIterations != 0 {
		t.Errorf("expected unbounded iterations, got %d", cfg.Reasoner.MaxIterations)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("KBGRAPH_IN_MEMORY", "yes")
	t.Setenv("KBGRAPH_PARALLELISATION", "9")
	t.Setenv("KBGRAPH_RETRY_BACKOFF", "250")
	t.Setenv("KBGRAPH_EXPLAIN", "1")
	t.Setenv("KBGRAPH_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()

	if !cfg.Storage.InMemory {
		t.Error("expected InMemory from env")
	}
	if cfg.Traversal.Parallelisation != 9 {
		t.Errorf("expected parallelisation 9, got %d", cfg.Traversal.Parallelisation)
	}
	if cfg.Storage.RetryBackoff != 250*time.Millisecond {
		t.Errorf("expected bare integer backoff as milliseconds, got %v", cfg.Storage.RetryBackoff)
	}
	if !cfg.Reasoner.Explain {
		t.Error("expected Explain from env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromEnv_IgnoresMalformedNumbers(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("KBGRAPH_BATCH_SIZE", "lots")

	cfg := LoadFromEnv()
	if cfg.Traversal.BatchSize != 64 {
		t.Errorf("expected default batch size on malformed env, got %d", cfg.Traversal.BatchSize)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "kbgraph.yaml")
	content := `
storage:
  data_dir: /var/lib/kbgraph
  sync_writes: true
  retry_backoff: 50ms
traversal:
  parallelisation: 2
reasoner:
  enabled: false
  max_iterations: 20
cache:
  schema_cache_size: 128
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("file values applied", func(t *testing.T) {
		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Storage.DataDir != "/var/lib/kbgraph" {
			t.Errorf("expected data dir from file, got %q", cfg.Storage.DataDir)
		}
		if !cfg.Storage.SyncWrites {
			t.Error("expected SyncWrites from file")
		}
		if cfg.Storage.RetryBackoff != 50*time.Millisecond {
			t.Errorf("expected 50ms backoff, got %v", cfg.Storage.RetryBackoff)
		}
		if cfg.Traversal.Parallelisation != 2 {
			t.Errorf("expected parallelisation 2, got %d", cfg.Traversal.Parallelisation)
		}
		if cfg.Reasoner.Enabled {
			t.Error("expected reasoner disabled by file")
		}
		if cfg.Reasoner.MaxIterations != 20 {
			t.Errorf("expected max iterations 20, got %d", cfg.Reasoner.MaxIterations)
		}
		if cfg.Cache.SchemaCacheSize != 128 {
			t.Errorf("expected schema cache 128, got %d", cfg.Cache.SchemaCacheSize)
		}
		if cfg.Traversal.BatchSize != 64 {
			t.Errorf("expected untouched default batch size, got %d", cfg.Traversal.BatchSize)
		}
	})

	t.Run("env beats file", func(t *testing.T) {
		t.Setenv("KBGRAPH_PARALLELISATION", "6")
		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Traversal.Parallelisation != 6 {
			t.Errorf("expected env override 6, got %d", cfg.Traversal.Parallelisation)
		}
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(dir, "absent.yaml"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Storage.DataDir != "./data" {
			t.Errorf("expected default data dir, got %q", cfg.Storage.DataDir)
		}
	})

	t.Run("malformed duration", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(bad, []byte("storage:\n  retry_backoff: soon\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFromFile(bad); err == nil {
			t.Error("expected error for malformed duration")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		bad := filepath.Join(dir, "broken.yaml")
		if err := os.WriteFile(bad, []byte("storage: [unclosed"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFromFile(bad); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir on disk", func(c *Config) { c.Storage.DataDir = "" }},
		{"encryption in memory", func(c *Config) { c.Storage.InMemory = true; c.Storage.EncryptionPassword = "pw" }},
		{"zero batch", func(c *Config) { c.Traversal.BatchSize = 0 }},
		{"zero parallelisation", func(c *Config) { c.Traversal.Parallelisation = 0 }},
		{"negative iterations", func(c *Config) { c.Reasoner.MaxIterations = -1 }},
		{"zero workers", func(c *Config) { c.Reasoner.Workers = 0 }},
		{"zero retry attempts", func(c *Config) { c.Storage.RetryAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero cache", func(c *Config) { c.Cache.ConceptCacheSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestString_RedactsPassword(t *testing.T) {
	cfg := LoadDefaults()
	cfg.Storage.EncryptionPassword = "hunter2"
	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("password leaked in %q", s)
	}
	if !strings.Contains(s, "Encrypted: true") {
		t.Errorf("expected encryption flag in %q", s)
	}
}
