package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Config represents the complete configuration for extension-guard.
type Config struct {
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Rules      RulesConfig      `yaml:"rules"`
	Validation ValidationConfig `yaml:"validation"`
	Storage    StorageConfig    `yaml:"storage"`
	Blob       BlobConfig       `yaml:"blob"`
	Audit      AuditConfig      `yaml:"audit"`
	Notify     NotifyConfig     `yaml:"notify"`
	Cascade    CascadeConfig    `yaml:"cascade"`
	Logging    LoggingConfig    `yaml:"logging"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Messages   MessagesConfig   `yaml:"messages"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RulesConfig configures the rule model.
type RulesConfig struct {
	FixedExtensions    []string `yaml:"fixed_extensions"`
	MaxCustomRules     int      `yaml:"max_custom_rules"`
	MaxExtensionLength int      `yaml:"max_extension_length"`
}

// ValidationConfig configures the file validator.
type ValidationConfig struct {
	MaxFileSizeBytes     int64         `yaml:"max_file_size_bytes"`
	ReportBypassAttempts bool          `yaml:"report_bypass_attempts"`
	CacheSize            int           `yaml:"cache_size"` // 0 disables the verdict cache
	CacheTTL             time.Duration `yaml:"cache_ttl"`
}

// StorageConfig selects the rule and file metadata store.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BlobConfig selects where uploaded bytes live.
type BlobConfig struct {
	Driver           string        `yaml:"driver"` // "local" or "s3"
	LocalRoot        string        `yaml:"local_root"`
	QuarantineDir    string        `yaml:"quarantine_dir"`
	QuarantineMaxAge time.Duration `yaml:"quarantine_max_age"`
	S3               S3Config      `yaml:"s3"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	PathStyle bool   `yaml:"path_style"`

	// QuarantinePrefix keeps copies of cascade-removed objects. Empty
	// deletes them outright.
	QuarantinePrefix string `yaml:"quarantine_prefix"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "sqlite"
	SQLitePath      string        `yaml:"sqlite_path"`
	JSONLPath       string        `yaml:"jsonl_path"`
	Retention       time.Duration `yaml:"retention"`
	DefaultPageSize int           `yaml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size"`
}

// NotifyConfig configures live notification of audit entries.
type NotifyConfig struct {
	WebSocket     bool            `yaml:"websocket"`
	RatePerSecond float64         `yaml:"rate_per_second"`
	Burst         int             `yaml:"burst"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
	Slack         SlackConfig     `yaml:"slack"`
	Redis         RedisConfig     `yaml:"redis"`
}

// WebhookConfig configures a webhook target.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Actions []string          `yaml:"actions"` // empty means every action
	Timeout time.Duration     `yaml:"timeout"`
}

// SlackConfig configures a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Channel    string   `yaml:"channel"`
	Actions    []string `yaml:"actions"`
}

// RedisConfig configures Redis pub/sub publishing.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// CascadeConfig configures the rule change reactor.
type CascadeConfig struct {
	Workers     int `yaml:"workers"`
	TaskHistory int `yaml:"task_history"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stderr", "stdout", or file path

	Loki LokiConfig `yaml:"loki"`
}

// LokiConfig ships log lines to Grafana Loki. An empty URL disables it.
type LokiConfig struct {
	URL       string            `yaml:"url"`
	TenantID  string            `yaml:"tenant_id"`
	Labels    map[string]string `yaml:"labels"`
	BatchSize int               `yaml:"batch_size"`
	BatchWait time.Duration     `yaml:"batch_wait"`
}

// DaemonConfig configures the background maintenance loop.
type DaemonConfig struct {
	Schedule string `yaml:"schedule"` // "@every 1h" or a duration; empty disables
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"` // empty serves /metrics on the API server
}

// MessagesConfig overrides user-facing verdict texts.
type MessagesConfig struct {
	NoFileSelected   string `yaml:"no_file_selected"`
	FileTooLarge     string `yaml:"file_too_large"`
	InvalidFilename  string `yaml:"invalid_filename"`
	BlockedExtension string `yaml:"blocked_extension"`
	BypassAttempt    string `yaml:"bypass_attempt"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	limits := core.DefaultRuleLimits()
	msgs := core.DefaultMessages()
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Rules: RulesConfig{
			FixedExtensions:    limits.FixedExtensions,
			MaxCustomRules:     limits.MaxCustomRules,
			MaxExtensionLength: limits.MaxExtensionLength,
		},
		Validation: ValidationConfig{
			MaxFileSizeBytes:     limits.MaxFileSize,
			ReportBypassAttempts: false,
			CacheSize:            4096,
			CacheTTL:             10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/extension-guard.db",
		},
		Blob: BlobConfig{
			Driver:           "local",
			LocalRoot:        "data/uploads",
			QuarantineDir:    "",
			QuarantineMaxAge: 7 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Driver:          "sqlite",
			SQLitePath:      "data/audit.db",
			DefaultPageSize: 10,
			MaxPageSize:     100,
		},
		Notify: NotifyConfig{
			WebSocket:     true,
			RatePerSecond: 20,
			Burst:         50,
			Slack: SlackConfig{
				Actions: []string{string(core.ActionUploadBlocked)},
			},
			Redis: RedisConfig{
				Channel: "extguard:audit",
			},
		},
		Cascade: CascadeConfig{
			Workers:     4,
			TaskHistory: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Daemon: DaemonConfig{
			Schedule: "@every 1h",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "extguard",
		},
		Messages: MessagesConfig{
			NoFileSelected:   msgs.NoFileSelected,
			FileTooLarge:     msgs.FileTooLarge,
			InvalidFilename:  msgs.InvalidFilename,
			BlockedExtension: msgs.BlockedExtension,
			BypassAttempt:    msgs.BypassAttempt,
		},
	}
}

// RuleLimits returns the immutable limits handed to the rule store and validator.
func (c *Config) RuleLimits() core.RuleLimits {
	fixed := make([]string, 0, len(c.Rules.FixedExtensions))
	for _, f := range c.Rules.FixedExtensions {
		fixed = append(fixed, core.NormalizeExtension(f))
	}
	return core.RuleLimits{
		FixedExtensions:    fixed,
		MaxCustomRules:     c.Rules.MaxCustomRules,
		MaxExtensionLength: c.Rules.MaxExtensionLength,
		MaxFileSize:        c.Validation.MaxFileSizeBytes,
	}
}

// VerdictMessages returns the message set, falling back to defaults for
// blank entries.
func (c *Config) VerdictMessages() core.Messages {
	m := core.DefaultMessages()
	if c.Messages.NoFileSelected != "" {
		m.NoFileSelected = c.Messages.NoFileSelected
	}
	if c.Messages.FileTooLarge != "" {
		m.FileTooLarge = c.Messages.FileTooLarge
	}
	if c.Messages.InvalidFilename != "" {
		m.InvalidFilename = c.Messages.InvalidFilename
	}
	if c.Messages.BlockedExtension != "" {
		m.BlockedExtension = c.Messages.BlockedExtension
	}
	if c.Messages.BypassAttempt != "" {
		m.BypassAttempt = c.Messages.BypassAttempt
	}
	return m
}

// Load reads a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from path if it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	return Load(path)
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"extension-guard.yaml",
		"extension-guard.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "extension-guard", "config.yaml"),
		"/etc/extension-guard/config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
