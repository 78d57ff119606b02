// Package substrate is the composition root: it loads configuration,
// constructs every subsystem (embedding client/cache, queue, text
// processor, vector storage, vector index, pipeline, maintenance
// engine, resource allocator, metrics collector), and wires them
// together behind a single Substrate handle.
package substrate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete substrate configuration. It mirrors the
// nested, dual-tagged (yaml+json) structure the teacher's own
// configuration type uses, one section per subsystem.
type Config struct {
	VaultDir string `yaml:"vault_dir" json:"vault_dir"`

	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Allocator  AllocatorConfig  `yaml:"allocator" json:"allocator"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// EmbeddingConfig configures the Embedding Client.
type EmbeddingConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	Model          string        `yaml:"model" json:"model"`
	TimeoutMs      int           `yaml:"timeout_ms" json:"timeout_ms"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialRetryMs int           `yaml:"initial_retry_delay_ms" json:"initial_retry_delay_ms"`
	MaxRetryMs     int           `yaml:"max_retry_delay_ms" json:"max_retry_delay_ms"`
	Offline        bool          `yaml:"offline" json:"offline"`
}

// CacheConfig configures the Embedding Cache.
type CacheConfig struct {
	MaxEntries      int    `yaml:"max_entries" json:"max_entries"`
	TTLSeconds      int    `yaml:"ttl_seconds" json:"ttl_seconds"`
	PersistToDisk   bool   `yaml:"persist_to_disk" json:"persist_to_disk"`
	CacheFilePath   string `yaml:"cache_file_path" json:"cache_file_path"`
	EnableMetrics   bool   `yaml:"enable_metrics" json:"enable_metrics"`
}

// QueueConfig configures the Embedding Queue.
type QueueConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent" json:"max_concurrent"`
	QueueCapacity  int `yaml:"queue_capacity" json:"queue_capacity"`
}

// StorageConfig configures Vector Storage.
type StorageConfig struct {
	StorageDir        string `yaml:"storage_dir" json:"storage_dir"`
	EnableCompression bool   `yaml:"enable_compression" json:"enable_compression"`
	Algorithm         string `yaml:"algorithm" json:"algorithm"` // none|gzip|lz4
	MaxEntriesPerFile int    `yaml:"max_entries_per_file" json:"max_entries_per_file"`
	EnableChecksums   bool   `yaml:"enable_checksums" json:"enable_checksums"`
	AutoBackup        bool   `yaml:"auto_backup" json:"auto_backup"`
	MaxBackups        int    `yaml:"max_backups" json:"max_backups"`
}

// PipelineConfig configures the Incremental Update Pipeline.
type PipelineConfig struct {
	BatchTimeoutMs      int      `yaml:"batch_timeout_ms" json:"batch_timeout_ms"`
	MaxBatchSize        int      `yaml:"max_batch_size" json:"max_batch_size"`
	MonitoredExtensions []string `yaml:"monitored_extensions" json:"monitored_extensions"`
	ExcludedPaths       []string `yaml:"excluded_paths" json:"excluded_paths"`
}

// MaintenanceConfig configures the Maintenance Engine.
type MaintenanceConfig struct {
	EnableAutomatic          bool    `yaml:"enable_automatic" json:"enable_automatic"`
	IntervalSeconds          int     `yaml:"interval_seconds" json:"interval_seconds"`
	CompactionThreshold      float64 `yaml:"compaction_threshold" json:"compaction_threshold"`
	CompactionCooldownHours  float64 `yaml:"compaction_cooldown_hours" json:"compaction_cooldown_hours"`
	EnableDefragmentation    bool    `yaml:"enable_defragmentation" json:"enable_defragmentation"`
}

// AllocatorConfig configures the Resource Allocator.
type AllocatorConfig struct {
	MaxCPUThreshold     float64 `yaml:"max_cpu_threshold" json:"max_cpu_threshold"`
	IOTimeoutMs         int     `yaml:"io_timeout_ms" json:"io_timeout_ms"`
	MaxBackgroundThreads int    `yaml:"max_background_threads" json:"max_background_threads"`
	MaxAIOperations     int     `yaml:"max_ai_operations" json:"max_ai_operations"`
}

// MetricsConfig configures the Metrics Collector.
type MetricsConfig struct {
	SearchHistoryCapacity int `yaml:"search_history_capacity" json:"search_history_capacity"`
	HealthHistoryCapacity int `yaml:"health_history_capacity" json:"health_history_capacity"`
	MemoryHistoryCapacity int `yaml:"memory_history_capacity" json:"memory_history_capacity"`
}

// DefaultConfig returns a complete configuration with conservative
// defaults for a vault rooted at vaultDir.
func DefaultConfig(vaultDir string) Config {
	dataDir := filepath.Join(vaultDir, ".substrate")
	return Config{
		VaultDir: vaultDir,
		Embedding: EmbeddingConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "qwen3-embedding:0.6b",
			TimeoutMs:      30_000,
			MaxRetries:     3,
			InitialRetryMs: 500,
			MaxRetryMs:     10_000,
		},
		Cache: CacheConfig{
			MaxEntries:    1000,
			TTLSeconds:    int((24 * time.Hour).Seconds()),
			EnableMetrics: true,
		},
		Queue: QueueConfig{
			MaxConcurrent: 4,
			QueueCapacity: 10_000,
		},
		Storage: StorageConfig{
			StorageDir:        filepath.Join(dataDir, "vectors"),
			EnableCompression: true,
			Algorithm:         "gzip",
			MaxEntriesPerFile: 1000,
			EnableChecksums:   true,
			AutoBackup:        true,
			MaxBackups:        3,
		},
		Pipeline: PipelineConfig{
			BatchTimeoutMs:      500,
			MaxBatchSize:        50,
			MonitoredExtensions: []string{".md", ".markdown"},
		},
		Maintenance: MaintenanceConfig{
			EnableAutomatic:         true,
			IntervalSeconds:         60,
			CompactionThreshold:     0.5,
			CompactionCooldownHours: 5.0 / 60.0,
		},
		Allocator: AllocatorConfig{
			MaxCPUThreshold:      0.8,
			IOTimeoutMs:          5000,
			MaxBackgroundThreads: 4,
			MaxAIOperations:      2,
		},
		Metrics: MetricsConfig{
			SearchHistoryCapacity: 500,
			HealthHistoryCapacity: 200,
			MemoryHistoryCapacity: 200,
		},
	}
}

// LoadConfig reads vaultDir/.substrate.yaml if present, merging it over
// DefaultConfig(vaultDir). A missing file is not an error.
func LoadConfig(vaultDir string) (Config, error) {
	cfg := DefaultConfig(vaultDir)

	path := filepath.Join(vaultDir, ".substrate.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
