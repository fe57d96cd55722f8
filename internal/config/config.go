package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete application configuration, loaded from
// a single YAML document.
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Mount     MountConfig     `yaml:"mount"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	Cachespec CachespecConfig `yaml:"cachespec"`
	Conflict  ConflictConfig  `yaml:"conflict"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	LogJSON    bool   `yaml:"log_json"`
	Foreground bool   `yaml:"foreground"`
	Debug      bool   `yaml:"debug"`
}

// MountConfig holds the FUSE mount options named in §6's CLI surface.
type MountConfig struct {
	NFSBaseDir    string        `yaml:"nfsbasedir"`
	NFSMountPoint string        `yaml:"nfsmountpoint"`
	CacheBaseDir  string        `yaml:"cachebasedir"`
	CacheSpecDir  string        `yaml:"cachespecdir"`
	CachePoint    string        `yaml:"cachepoint"`
	MountOptions  string        `yaml:"mount_options"`
	AllowOther    bool          `yaml:"allow_other"`
	AttrTimeout   time.Duration `yaml:"attr_timeout"`
	EntryTimeout  time.Duration `yaml:"entry_timeout"`
}

// CacheConfig controls the stat cache's TTL/jitter, per §3.
type CacheConfig struct {
	StatTTL    time.Duration `yaml:"stat_ttl"`
	StatJitter time.Duration `yaml:"stat_jitter"`
}

// SyncConfig controls SyncWorker/SyncLog cadence, per §4.5/§4.6.
type SyncConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// CachespecConfig controls the default should_cache resolution, per §4.4.
type CachespecConfig struct {
	DefaultAllow bool `yaml:"default_allow"`
}

// ConflictConfig names the conflict directory location, per §4.6.
type ConflictConfig struct {
	DirName string `yaml:"dir_name"`
}

// Default returns the configuration used when no file is supplied: a
// relative ".tsumufs-conflicts" directory, 60s/10s stat cache TTL/jitter
// (§3), 30s checkpoint cadence (§4.5), default-allow cachespec.
func Default() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Mount: MountConfig{
			CachePoint:   "/var/lib/tsumufs/cache",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Cache: CacheConfig{
			StatTTL:    60 * time.Second,
			StatJitter: 10 * time.Second,
		},
		Sync: SyncConfig{
			CheckpointInterval: 30 * time.Second,
			PollInterval:       2 * time.Second,
		},
		Cachespec: CachespecConfig{
			DefaultAllow: true,
		},
		Conflict: ConflictConfig{
			DirName: ".tsumufs-conflicts",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file, starting from
// Default() so a partial file only overrides the fields it specifies.
func LoadFromFile(path string) (*Configuration, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment-variable overrides for the
// handful of fields this engine exposes that way.
func (c *Configuration) ApplyEnvOverrides() {
	if v := os.Getenv("TSUMUFS_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv("TSUMUFS_DEBUG"); v != "" {
		c.Global.Debug = strings.EqualFold(v, "true")
	}
}

// SaveToFile persists the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	return os.WriteFile(filename, data, 0o600)
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Configuration) Validate() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, lvl := range validLevels {
		if strings.EqualFold(c.Global.LogLevel, lvl) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("config: invalid log_level %q (must be one of: %s)", c.Global.LogLevel, strings.Join(validLevels, ", "))
	}
	if c.Cache.StatTTL <= 0 {
		return fmt.Errorf("config: cache.stat_ttl must be > 0")
	}
	if c.Sync.CheckpointInterval <= 0 {
		return fmt.Errorf("config: sync.checkpoint_interval must be > 0")
	}
	return nil
}
