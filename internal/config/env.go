package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXTGUARD"

type envBinding struct {
	key   string
	apply func(v *viper.Viper, c *Config)
}

var envBindings = []envBinding{
	{"server.addr", func(v *viper.Viper, c *Config) { c.Server.Addr = v.GetString("server.addr") }},
	{"storage.driver", func(v *viper.Viper, c *Config) { c.Storage.Driver = v.GetString("storage.driver") }},
	{"storage.sqlite_path", func(v *viper.Viper, c *Config) { c.Storage.SQLitePath = v.GetString("storage.sqlite_path") }},
	{"storage.postgres_dsn", func(v *viper.Viper, c *Config) { c.Storage.PostgresDSN = v.GetString("storage.postgres_dsn") }},
	{"blob.driver", func(v *viper.Viper, c *Config) { c.Blob.Driver = v.GetString("blob.driver") }},
	{"blob.local_root", func(v *viper.Viper, c *Config) { c.Blob.LocalRoot = v.GetString("blob.local_root") }},
	{"blob.quarantine_dir", func(v *viper.Viper, c *Config) { c.Blob.QuarantineDir = v.GetString("blob.quarantine_dir") }},
	{"blob.s3.endpoint", func(v *viper.Viper, c *Config) { c.Blob.S3.Endpoint = v.GetString("blob.s3.endpoint") }},
	{"blob.s3.region", func(v *viper.Viper, c *Config) { c.Blob.S3.Region = v.GetString("blob.s3.region") }},
	{"blob.s3.bucket", func(v *viper.Viper, c *Config) { c.Blob.S3.Bucket = v.GetString("blob.s3.bucket") }},
	{"blob.s3.access_key", func(v *viper.Viper, c *Config) { c.Blob.S3.AccessKey = v.GetString("blob.s3.access_key") }},
	{"blob.s3.secret_key", func(v *viper.Viper, c *Config) { c.Blob.S3.SecretKey = v.GetString("blob.s3.secret_key") }},
	{"blob.s3.use_ssl", func(v *viper.Viper, c *Config) { c.Blob.S3.UseSSL = v.GetBool("blob.s3.use_ssl") }},
	{"blob.s3.quarantine_prefix", func(v *viper.Viper, c *Config) {
		c.Blob.S3.QuarantinePrefix = v.GetString("blob.s3.quarantine_prefix")
	}},
	{"audit.driver", func(v *viper.Viper, c *Config) { c.Audit.Driver = v.GetString("audit.driver") }},
	{"audit.sqlite_path", func(v *viper.Viper, c *Config) { c.Audit.SQLitePath = v.GetString("audit.sqlite_path") }},
	{"notify.redis.addr", func(v *viper.Viper, c *Config) { c.Notify.Redis.Addr = v.GetString("notify.redis.addr") }},
	{"notify.redis.password", func(v *viper.Viper, c *Config) { c.Notify.Redis.Password = v.GetString("notify.redis.password") }},
	{"notify.slack.webhook_url", func(v *viper.Viper, c *Config) { c.Notify.Slack.WebhookURL = v.GetString("notify.slack.webhook_url") }},
	{"validation.max_file_size_bytes", func(v *viper.Viper, c *Config) {
		c.Validation.MaxFileSizeBytes = v.GetInt64("validation.max_file_size_bytes")
	}},
	{"validation.report_bypass_attempts", func(v *viper.Viper, c *Config) {
		c.Validation.ReportBypassAttempts = v.GetBool("validation.report_bypass_attempts")
	}},
	{"cascade.workers", func(v *viper.Viper, c *Config) { c.Cascade.Workers = v.GetInt("cascade.workers") }},
	{"logging.level", func(v *viper.Viper, c *Config) { c.Logging.Level = v.GetString("logging.level") }},
	{"logging.loki.url", func(v *viper.Viper, c *Config) { c.Logging.Loki.URL = v.GetString("logging.loki.url") }},
	{"logging.format", func(v *viper.Viper, c *Config) { c.Logging.Format = v.GetString("logging.format") }},
	{"daemon.schedule", func(v *viper.Viper, c *Config) { c.Daemon.Schedule = v.GetString("daemon.schedule") }},
	{"metrics.addr", func(v *viper.Viper, c *Config) { c.Metrics.Addr = v.GetString("metrics.addr") }},
}

// EnvName returns the variable that overrides key, e.g. storage.driver ->
// EXTGUARD_STORAGE_DRIVER.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays EXTGUARD_* environment variables onto cfg. Only
// variables that are set take effect.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, EnvName(b.key)); err != nil {
			return fmt.Errorf("binding %s: %w", b.key, err)
		}
	}
	for _, b := range envBindings {
		if v.IsSet(b.key) {
			b.apply(v, cfg)
		}
	}
	return nil
}
