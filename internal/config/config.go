// Package config loads the entityvc configuration from YAML or TOML files and
// ENTITYVC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage drivers for the live entity store.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Repository drivers for version history.
const (
	RepositoryGit  = "git"
	RepositoryBlob = "blob"
)

// Blob drivers backing the blob repository.
const (
	BlobFS     = "fs"
	BlobS3     = "s3"
	BlobMemory = "memory"
)

type Config struct {
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Repository RepositoryConfig `yaml:"repository" toml:"repository"`
	Blob       BlobConfig       `yaml:"blob" toml:"blob"`
	Jobs       JobsConfig       `yaml:"jobs" toml:"jobs"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" toml:"driver"`
	SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
}

type RepositoryConfig struct {
	Driver        string    `yaml:"driver" toml:"driver"`
	DefaultBranch string    `yaml:"default_branch" toml:"default_branch"`
	Author        string    `yaml:"author" toml:"author"`
	Git           GitConfig `yaml:"git" toml:"git"`
}

// GitConfig selects on-disk storage when Path is set; otherwise the history
// lives in memory. Path defaults to entityvc-history unless the live store
// is in memory too.
type GitConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type BlobConfig struct {
	Driver string   `yaml:"driver" toml:"driver"`
	FSRoot string   `yaml:"fs_root" toml:"fs_root"`
	S3     S3Config `yaml:"s3" toml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Region    string `yaml:"region" toml:"region"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	PathStyle bool   `yaml:"path_style" toml:"path_style"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
}

type JobsConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type LogConfig struct {
	Format     string            `yaml:"format" toml:"format"`
	Level      string            `yaml:"level" toml:"level"`
	Components map[string]string `yaml:"components" toml:"components"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (YAML unless the extension is .toml), applies environment
// overrides and defaults, and validates the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageSQLite
	}
	if c.Storage.Driver == StorageSQLite && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "entityvc.db"
	}
	if c.Repository.Driver == "" {
		c.Repository.Driver = RepositoryGit
	}
	if c.Repository.DefaultBranch == "" {
		c.Repository.DefaultBranch = "main"
	}
	if c.Repository.Driver == RepositoryGit && c.Repository.Git.Path == "" && c.Storage.Driver != StorageMemory {
		c.Repository.Git.Path = "entityvc-history"
	}
	if c.Repository.Author == "" {
		c.Repository.Author = "entityvc"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = BlobFS
	}
	if c.Blob.Driver == BlobFS && c.Blob.FSRoot == "" {
		c.Blob.FSRoot = "entityvc-blobs"
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 64
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Repository.Driver {
	case RepositoryGit:
	case RepositoryBlob:
		if err := c.Blob.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("repository.driver: unknown driver %q", c.Repository.Driver)
	}
	if strings.ContainsAny(c.Repository.DefaultBranch, " ~^:?*[\\") {
		return fmt.Errorf("repository.default_branch: invalid branch name %q", c.Repository.DefaultBranch)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("jobs.queue_size must be positive, got %d", c.Jobs.QueueSize)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

func (b BlobConfig) validate() error {
	switch b.Driver {
	case BlobMemory:
	case BlobFS:
		if b.FSRoot == "" {
			return errors.New("blob.fs_root is required for the fs driver")
		}
	case BlobS3:
		if b.S3.Bucket == "" {
			return errors.New("blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("blob.driver: unknown driver %q", b.Driver)
	}
	return nil
}

// applyEnv overlays ENTITYVC_* variables onto values read from the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ENTITYVC_STORAGE_DRIVER":            &c.Storage.Driver,
		"ENTITYVC_SQLITE_PATH":               &c.Storage.SQLitePath,
		"ENTITYVC_POSTGRES_DSN":              &c.Storage.PostgresDSN,
		"ENTITYVC_REPOSITORY_DRIVER":         &c.Repository.Driver,
		"ENTITYVC_REPOSITORY_DEFAULT_BRANCH": &c.Repository.DefaultBranch,
		"ENTITYVC_REPOSITORY_AUTHOR":         &c.Repository.Author,
		"ENTITYVC_GIT_PATH":                  &c.Repository.Git.Path,
		"ENTITYVC_BLOB_DRIVER":               &c.Blob.Driver,
		"ENTITYVC_BLOB_FS_ROOT":              &c.Blob.FSRoot,
		"ENTITYVC_S3_BUCKET":                 &c.Blob.S3.Bucket,
		"ENTITYVC_S3_REGION":                 &c.Blob.S3.Region,
		"ENTITYVC_S3_ENDPOINT":               &c.Blob.S3.Endpoint,
		"ENTITYVC_S3_ACCESS_KEY":             &c.Blob.S3.AccessKey,
		"ENTITYVC_S3_SECRET_KEY":             &c.Blob.S3.SecretKey,
		"ENTITYVC_HTTP_LISTEN":               &c.HTTP.Listen,
		"ENTITYVC_LOG_FORMAT":                &c.Log.Format,
		"ENTITYVC_LOG_LEVEL":                 &c.Log.Level,
	}
	for key, target := range strs {
		if v, ok := lookup(key); ok {
			*target = v
		}
	}
	ints := map[string]*int{
		"ENTITYVC_JOBS_WORKERS":    &c.Jobs.Workers,
		"ENTITYVC_JOBS_QUEUE_SIZE": &c.Jobs.QueueSize,
	}
	for key, target := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = n
		}
	}
	if v, ok := lookup("ENTITYVC_S3_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENTITYVC_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	return nil
}
