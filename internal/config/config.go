package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend selects the object storage implementation
type Backend string

const (
	BackendGCS    Backend = "gcs"
	BackendS3     Backend = "s3"
	BackendMemory Backend = "memory"
)

// MalformedPolicy defines how unparseable diff lines are handled
type MalformedPolicy string

const (
	MalformedFail MalformedPolicy = "fail"
	MalformedSkip MalformedPolicy = "skip"
)

// GitDriver selects the git implementation
type GitDriver string

const (
	GitDriverShell GitDriver = "shell"
	GitDriverGoGit GitDriver = "go-git"
)

const (
	// DefaultBucketName matches the historical default of the sync command.
	DefaultBucketName = "your_default"
	DefaultPrefix     = "dags/"
	DefaultRepoDir    = "./"
	DefaultGCSHost    = "storage.googleapis.com"
	DefaultLockPrefix = "dagsync:lock:"
	DefaultLockTTL    = 30 * time.Minute
)

// Config represents the complete dagsync configuration
type Config struct {
	Bucket BucketConfig `yaml:"bucket"`
	Sync   SyncConfig   `yaml:"sync"`
	Git    GitConfig    `yaml:"git"`
	Auth   AuthConfig   `yaml:"auth"`
	Lock   LockConfig   `yaml:"lock"`
}

// BucketConfig configures the target object storage bucket
type BucketConfig struct {
	Name         string        `yaml:"name"`
	Prefix       *string       `yaml:"prefix"`
	Backend      Backend       `yaml:"backend"`
	Endpoint     string        `yaml:"endpoint"`
	Region       string        `yaml:"region"`
	UsePathStyle bool          `yaml:"use_path_style"`
	Insecure     bool          `yaml:"insecure"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SyncConfig configures which changes are mirrored and where the marker lives
type SyncConfig struct {
	Folders      []string        `yaml:"folders"`
	MarkerObject string          `yaml:"marker_object"`
	RepoDir      string          `yaml:"repo_dir"`
	Malformed    MalformedPolicy `yaml:"malformed"`
}

// GitConfig configures how the working tree is inspected
type GitConfig struct {
	Driver    GitDriver `yaml:"driver"`
	Unshallow *bool     `yaml:"unshallow"`
}

// AuthConfig names the credential sources handed to the storage client.
// Leaving every field empty falls back to the SDK's default chain.
type AuthConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	AccessKeyFile   string `yaml:"access_key_file"`
	SecretKeyFile   string `yaml:"secret_key_file"`
}

// LockConfig configures the optional run lock
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// Default returns a configuration holding only defaults
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	return &cfg, nil
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment without overriding variables that are already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Bucket.Name = os.ExpandEnv(c.Bucket.Name)
	if c.Bucket.Prefix != nil {
		prefix := os.ExpandEnv(*c.Bucket.Prefix)
		c.Bucket.Prefix = &prefix
	}
	c.Bucket.Endpoint = os.ExpandEnv(c.Bucket.Endpoint)
	c.Bucket.Region = os.ExpandEnv(c.Bucket.Region)
	for i, folder := range c.Sync.Folders {
		c.Sync.Folders[i] = os.ExpandEnv(folder)
	}
	c.Sync.MarkerObject = os.ExpandEnv(c.Sync.MarkerObject)
	c.Sync.RepoDir = os.ExpandEnv(c.Sync.RepoDir)
	c.Auth.CredentialsFile = os.ExpandEnv(c.Auth.CredentialsFile)
	c.Auth.AccessKeyFile = os.ExpandEnv(c.Auth.AccessKeyFile)
	c.Auth.SecretKeyFile = os.ExpandEnv(c.Auth.SecretKeyFile)
	c.Lock.RedisAddr = os.ExpandEnv(c.Lock.RedisAddr)
	c.Lock.RedisPassword = os.ExpandEnv(c.Lock.RedisPassword)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
// An explicitly empty bucket prefix is kept.
func (c *Config) ApplyDefaults() {
	if c.Bucket.Name == "" {
		c.Bucket.Name = DefaultBucketName
	}
	if c.Bucket.Prefix == nil {
		prefix := DefaultPrefix
		c.Bucket.Prefix = &prefix
	}
	if c.Bucket.Backend == "" {
		c.Bucket.Backend = BackendGCS
	}
	if c.Bucket.Backend == BackendGCS && c.Bucket.Endpoint == "" {
		c.Bucket.Endpoint = DefaultGCSHost
	}
	if c.Sync.RepoDir == "" {
		c.Sync.RepoDir = DefaultRepoDir
	}
	if c.Sync.Malformed == "" {
		c.Sync.Malformed = MalformedFail
	}
	if c.Git.Driver == "" {
		c.Git.Driver = GitDriverShell
	}
	if c.Git.Unshallow == nil {
		unshallow := true
		c.Git.Unshallow = &unshallow
	}
	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = DefaultLockPrefix
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Bucket.Name == "" {
		return fmt.Errorf("bucket.name is required")
	}

	switch c.Bucket.Backend {
	case BackendGCS, BackendS3, BackendMemory:
		// valid
	default:
		return fmt.Errorf("invalid bucket.backend: %s (must be gcs, s3, or memory)", c.Bucket.Backend)
	}

	if len(c.Sync.Folders) == 0 {
		return fmt.Errorf("sync.folders requires at least one folder")
	}
	for _, folder := range c.Sync.Folders {
		if folder == "" {
			return fmt.Errorf("sync.folders must not contain empty names")
		}
	}
	if c.Sync.MarkerObject == "" {
		return fmt.Errorf("sync.marker_object is required")
	}

	switch c.Sync.Malformed {
	case MalformedFail, MalformedSkip:
		// valid
	default:
		return fmt.Errorf("invalid sync.malformed policy: %s (must be fail or skip)", c.Sync.Malformed)
	}

	switch c.Git.Driver {
	case GitDriverShell, GitDriverGoGit:
		// valid
	default:
		return fmt.Errorf("invalid git.driver: %s (must be shell or go-git)", c.Git.Driver)
	}

	// Static keys come in pairs
	if (c.Auth.AccessKeyFile == "") != (c.Auth.SecretKeyFile == "") {
		return fmt.Errorf("auth: access_key_file and secret_key_file must be set together")
	}

	if c.Lock.RedisAddr != "" && c.Lock.TTL < 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}

	return nil
}

// ShouldUnshallow reports whether the working tree should be deepened before diffing
func (c *Config) ShouldUnshallow() bool {
	return c.Git.Unshallow == nil || *c.Git.Unshallow
}

// ObjectPrefix returns the key prefix prepended to every synced path
func (c *Config) ObjectPrefix() string {
	if c.Bucket.Prefix == nil {
		return DefaultPrefix
	}
	return *c.Bucket.Prefix
}

// LockEnabled reports whether a run lock is configured
func (c *Config) LockEnabled() bool {
	return c.Lock.RedisAddr != ""
}

// LockKey returns the redis key guarding runs against this bucket's marker
func (c *Config) LockKey() string {
	return c.Lock.KeyPrefix + c.Bucket.Name + "/" + c.Sync.MarkerObject
}
