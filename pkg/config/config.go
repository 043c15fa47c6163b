// Package config loads the service configuration from YAML, backfilling
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Vuln    VulnConfig    `yaml:"vuln"`
	Repo    RepoConfig    `yaml:"repo"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// Addr is the service listen address.
	Addr string `yaml:"addr"`

	// MetricsAddr is the metrics and health listen address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// StorageConfig configures the catalog database.
type StorageConfig struct {
	// DatabasePath is the SQLite file path.
	DatabasePath string `yaml:"database_path"`

	// Compression is the document blob compression algorithm.
	Compression string `yaml:"compression"`
}

// EngineConfig configures the chain engine.
type EngineConfig struct {
	// Workers is the unit executor pool size.
	Workers int `yaml:"workers"`

	// WatchdogInterval is how often stuck units are scanned for.
	WatchdogInterval Duration `yaml:"watchdog_interval"`

	// WatchdogTimeout fails a unit that reported no outcome in this window.
	WatchdogTimeout Duration `yaml:"watchdog_timeout"`

	// TokenRetention is how long terminal chain tokens stay queryable.
	TokenRetention Duration `yaml:"token_retention"`
}

// VulnConfig configures the advisory catalog.
type VulnConfig struct {
	// FeedURL is the advisory feed endpoint. Empty disables HTTP fetching.
	FeedURL string `yaml:"feed_url"`

	// CacheTTL is how long a fetched feed stays valid.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// RepoConfig configures repository metadata sources.
type RepoConfig struct {
	// GitHubToken authenticates GitHub API calls. Empty uses anonymous access.
	GitHubToken string `yaml:"github_token"`

	// GitLabToken authenticates GitLab API calls.
	GitLabToken string `yaml:"gitlab_token"`

	// GitLabBaseURL points at a self-hosted GitLab instance.
	GitLabBaseURL string `yaml:"gitlab_base_url"`

	// RefreshTTL is how long a fetched version stays fresh.
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// PolicyConfig configures policy evaluation.
type PolicyConfig struct {
	// Path is a YAML policy file overriding the embedded default policy.
	Path string `yaml:"path"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DatabasePath: "deptrail.db",
			Compression:  "zstd",
		},
		Engine: EngineConfig{
			Workers:          4,
			WatchdogInterval: Duration(30 * time.Second),
			WatchdogTimeout:  Duration(15 * time.Minute),
			TokenRetention:   Duration(time.Hour),
		},
		Vuln: VulnConfig{
			CacheTTL: Duration(6 * time.Hour),
		},
		Repo: RepoConfig{
			RefreshTTL: Duration(24 * time.Hour),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
