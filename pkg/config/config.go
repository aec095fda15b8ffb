// Package config loads replica configuration: defaults, then a yaml file,
// then REPLISTORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/replistore/pkg/logger"
)

type Config struct {
	// generatedID is the random default id, kept to tell whether the
	// replica id was configured explicitly.
	generatedID string

	Replica     ReplicaConfig     `yaml:"replica"`
	Limits      LimitsConfig      `yaml:"limits"`
	Tombstones  TombstonesConfig  `yaml:"tombstones"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Server      ServerConfig      `yaml:"server"`
	Log         logger.Config     `yaml:"log"`
}

type ReplicaConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type LimitsConfig struct {
	SoftBytes int `yaml:"soft_bytes"`
	HardBytes int `yaml:"hard_bytes"`
	MaxDepth  int `yaml:"max_depth"`
}

type TombstonesConfig struct {
	// Retention is how many Lamport ticks behind the replica clock a removal
	// must be before its tombstone may be compacted.
	Retention uint64 `yaml:"retention"`
}

type AttachmentsConfig struct {
	GCInterval   time.Duration `yaml:"gc_interval"`
	Debounce     time.Duration `yaml:"debounce"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	CacheEntries int           `yaml:"cache_entries"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Peers are websocket sync endpoints this replica dials.
	Peers        []string      `yaml:"peers"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

func DefaultConfig() *Config {
	id := uuid.NewString()
	return &Config{
		generatedID: id,
		Replica: ReplicaConfig{
			ID:      id,
			DataDir: "data",
		},
		Limits: LimitsConfig{
			SoftBytes: 250 * 1024,
			HardBytes: 5 * 1024 * 1024,
			MaxDepth:  64,
		},
		Tombstones: TombstonesConfig{
			Retention: 100000,
		},
		Attachments: AttachmentsConfig{
			GCInterval:   10 * time.Minute,
			Debounce:     10 * time.Minute,
			FetchTimeout: time.Minute,
			CacheEntries: 128,
		},
		Server: ServerConfig{
			Addr:         "localhost:8080",
			SyncInterval: time.Second,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	applyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("REPLISTORE_REPLICA_ID"); v != "" {
		cfg.Replica.ID = v
	}
	if v := os.Getenv("REPLISTORE_DATA_DIR"); v != "" {
		cfg.Replica.DataDir = v
	}
	if v := os.Getenv("REPLISTORE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("REPLISTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPLISTORE_LIMITS_HARD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.HardBytes = n
		}
	}
	if v := os.Getenv("REPLISTORE_ATTACHMENTS_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Attachments.GCInterval = d
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Replica.ID == "" {
		errs = append(errs, errors.New("replica.id must not be empty"))
	}
	if c.Limits.SoftBytes <= 0 || c.Limits.HardBytes <= 0 {
		errs = append(errs, errors.New("limits must be positive"))
	} else if c.Limits.SoftBytes > c.Limits.HardBytes {
		errs = append(errs, fmt.Errorf("limits.soft_bytes %d exceeds limits.hard_bytes %d", c.Limits.SoftBytes, c.Limits.HardBytes))
	}
	if c.Limits.MaxDepth <= 0 {
		errs = append(errs, errors.New("limits.max_depth must be positive"))
	}
	if c.Attachments.GCInterval <= 0 || c.Attachments.Debounce <= 0 || c.Attachments.FetchTimeout <= 0 {
		errs = append(errs, errors.New("attachment intervals must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) DocumentsPath() string {
	return filepath.Join(c.Replica.DataDir, "documents.db")
}

func (c *Config) AttachmentsPath() string {
	return filepath.Join(c.Replica.DataDir, "attachments")
}

func (c *Config) ReplicaIDPath() string {
	return filepath.Join(c.Replica.DataDir, "replica_id")
}

// PinReplicaID keeps a generated replica id stable across restarts by
// storing it in the data dir. An explicitly configured id is used as is.
func (c *Config) PinReplicaID() error {
	if c.generatedID == "" || c.Replica.ID != c.generatedID {
		return nil
	}
	raw, err := os.ReadFile(c.ReplicaIDPath())
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			c.Replica.ID = id
			c.generatedID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read replica id: %w", err)
	}
	if err := os.MkdirAll(c.Replica.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(c.ReplicaIDPath(), []byte(c.Replica.ID+"\n"), 0o640); err != nil {
		return fmt.Errorf("failed to write replica id: %w", err)
	}
	return nil
}
