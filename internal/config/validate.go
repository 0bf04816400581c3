package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// ValidationError contains details about a single validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("config validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
	}
	return sb.String()
}

var (
	ValidStorageDrivers = []string{"memory", "sqlite", "postgres"}
	ValidBlobDrivers    = []string{"local", "s3"}
	ValidAuditDrivers   = []string{"memory", "sqlite"}
	ValidLogLevels      = []string{"debug", "info", "warn", "error"}
	ValidLogFormats     = []string{"json", "text"}
)

// Validate performs comprehensive validation of the configuration.
// It returns all validation errors found (not just the first).
// Returns nil if the configuration is valid.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, ValidateServer(cfg.Server)...)
	errs = append(errs, ValidateRules(cfg.Rules)...)
	errs = append(errs, ValidateValidation(cfg.Validation)...)
	errs = append(errs, ValidateStorage(cfg.Storage)...)
	errs = append(errs, ValidateBlob(cfg.Blob)...)
	errs = append(errs, ValidateAudit(cfg.Audit)...)
	errs = append(errs, ValidateNotify(cfg.Notify)...)
	errs = append(errs, ValidateCascade(cfg.Cascade)...)
	errs = append(errs, ValidateLogging(cfg.Logging)...)
	errs = append(errs, ValidateDaemon(cfg.Daemon)...)
	errs = append(errs, ValidateMetrics(cfg.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateServer checks the API listener settings.
func ValidateServer(s ServerConfig) []ValidationError {
	var errs []ValidationError
	if s.Addr == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Message: "must not be empty"})
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: fmt.Sprintf("invalid address %q: %v", s.Addr, err),
		})
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		errs = append(errs, ValidationError{Field: "server", Message: "timeouts must be >= 0"})
	}
	return errs
}

// ValidateRules checks the fixed extension set and custom rule limits.
func ValidateRules(r RulesConfig) []ValidationError {
	var errs []ValidationError

	if r.MaxExtensionLength <= 0 {
		errs = append(errs, ValidationError{Field: "rules.max_extension_length", Message: "must be > 0"})
	}
	if r.MaxCustomRules <= 0 {
		errs = append(errs, ValidationError{Field: "rules.max_custom_rules", Message: "must be > 0"})
	}
	if len(r.FixedExtensions) == 0 {
		errs = append(errs, ValidationError{Field: "rules.fixed_extensions", Message: "must not be empty"})
	}

	limits := core.RuleLimits{MaxExtensionLength: r.MaxExtensionLength}
	seen := make(map[string]bool, len(r.FixedExtensions))
	for i, raw := range r.FixedExtensions {
		field := fmt.Sprintf("rules.fixed_extensions[%d]", i)
		ext := core.NormalizeExtension(raw)
		if ext != raw {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be normalized (use %q not %q)", ext, raw),
			})
			continue
		}
		if err := limits.CheckExtension(ext); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			continue
		}
		if seen[ext] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate extension %q", ext)})
		}
		seen[ext] = true
	}
	return errs
}

// ValidateValidation checks validator limits.
func ValidateValidation(v ValidationConfig) []ValidationError {
	var errs []ValidationError
	if v.MaxFileSizeBytes <= 0 {
		errs = append(errs, ValidationError{Field: "validation.max_file_size_bytes", Message: "must be > 0"})
	}
	if v.CacheSize < 0 {
		errs = append(errs, ValidationError{Field: "validation.cache_size", Message: "must be >= 0"})
	}
	if v.CacheSize > 0 && v.CacheTTL <= 0 {
		errs = append(errs, ValidationError{Field: "validation.cache_ttl", Message: "must be > 0 when the cache is enabled"})
	}
	return errs
}

// ValidateStorage checks the metadata store selection.
func ValidateStorage(s StorageConfig) []ValidationError {
	var errs []ValidationError
	if !contains(ValidStorageDrivers, s.Driver) {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", ValidStorageDrivers, s.Driver),
		})
		return errs
	}
	switch s.Driver {
	case "sqlite":
		if s.SQLitePath == "" {
			errs = append(errs, ValidationError{Field: "storage.sqlite_path", Message: "required for the sqlite driver"})
		}
	case "postgres":
		if s.PostgresDSN == "" {
			errs = append(errs, ValidationError{Field: "storage.postgres_dsn", Message: "required for the postgres driver"})
		} else if u, err := url.Parse(s.PostgresDSN); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, ValidationError{
				Field:   "storage.postgres_dsn",
				Message: "must be a postgres:// or postgresql:// URL",
			})
		}
	}
	return errs
}

// ValidateBlob checks the blob store selection.
func ValidateBlob(b BlobConfig) []ValidationError {
	var errs []ValidationError
	if !contains(ValidBlobDrivers, b.Driver) {
		errs = append(errs, ValidationError{
			Field:   "blob.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", ValidBlobDrivers, b.Driver),
		})
		return errs
	}
	switch b.Driver {
	case "local":
		if b.LocalRoot == "" {
			errs = append(errs, ValidationError{Field: "blob.local_root", Message: "required for the local driver"})
		}
		if b.QuarantineDir != "" && b.QuarantineMaxAge < 0 {
			errs = append(errs, ValidationError{Field: "blob.quarantine_max_age", Message: "must be >= 0"})
		}
	case "s3":
		if b.S3.Endpoint == "" {
			errs = append(errs, ValidationError{Field: "blob.s3.endpoint", Message: "required for the s3 driver"})
		}
		if b.S3.Bucket == "" {
			errs = append(errs, ValidationError{Field: "blob.s3.bucket", Message: "required for the s3 driver"})
		}
	}
	return errs
}

// ValidateAudit checks the audit log configuration.
func ValidateAudit(a AuditConfig) []ValidationError {
	var errs []ValidationError
	if !contains(ValidAuditDrivers, a.Driver) {
		errs = append(errs, ValidationError{
			Field:   "audit.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", ValidAuditDrivers, a.Driver),
		})
	}
	if a.Driver == "sqlite" && a.SQLitePath == "" {
		errs = append(errs, ValidationError{Field: "audit.sqlite_path", Message: "required for the sqlite driver"})
	}
	if a.Retention < 0 {
		errs = append(errs, ValidationError{Field: "audit.retention", Message: "must be >= 0"})
	}
	if a.DefaultPageSize <= 0 {
		errs = append(errs, ValidationError{Field: "audit.default_page_size", Message: "must be > 0"})
	}
	if a.MaxPageSize < a.DefaultPageSize {
		errs = append(errs, ValidationError{Field: "audit.max_page_size", Message: "must be >= default_page_size"})
	}
	return errs
}

// ValidateNotify checks notification targets.
func ValidateNotify(n NotifyConfig) []ValidationError {
	var errs []ValidationError
	if n.RatePerSecond < 0 {
		errs = append(errs, ValidationError{Field: "notify.rate_per_second", Message: "must be >= 0"})
	}
	if n.RatePerSecond > 0 && n.Burst <= 0 {
		errs = append(errs, ValidationError{Field: "notify.burst", Message: "must be > 0 when rate limiting is enabled"})
	}
	for i, w := range n.Webhooks {
		field := fmt.Sprintf("notify.webhooks[%d].url", i)
		if msg := checkHTTPURL(w.URL); msg != "" {
			errs = append(errs, ValidationError{Field: field, Message: msg})
		}
		for _, a := range w.Actions {
			if !validAction(a) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("notify.webhooks[%d].actions", i),
					Message: fmt.Sprintf("unknown action %q", a),
				})
			}
		}
	}
	if n.Slack.WebhookURL != "" {
		if msg := checkHTTPURL(n.Slack.WebhookURL); msg != "" {
			errs = append(errs, ValidationError{Field: "notify.slack.webhook_url", Message: msg})
		}
	}
	if n.Redis.Addr != "" {
		if _, _, err := net.SplitHostPort(n.Redis.Addr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "notify.redis.addr",
				Message: fmt.Sprintf("invalid address %q: %v", n.Redis.Addr, err),
			})
		}
		if n.Redis.Channel == "" {
			errs = append(errs, ValidationError{Field: "notify.redis.channel", Message: "required when redis is enabled"})
		}
	}
	return errs
}

// ValidateCascade checks reactor settings.
func ValidateCascade(c CascadeConfig) []ValidationError {
	var errs []ValidationError
	if c.Workers <= 0 {
		errs = append(errs, ValidationError{Field: "cascade.workers", Message: "must be > 0"})
	}
	if c.TaskHistory <= 0 {
		errs = append(errs, ValidationError{Field: "cascade.task_history", Message: "must be > 0"})
	}
	return errs
}

// ValidateLogging checks logging configuration.
func ValidateLogging(log LoggingConfig) []ValidationError {
	var errs []ValidationError

	if log.Level != "" && !contains(ValidLogLevels, log.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", ValidLogLevels, log.Level),
		})
	}

	if log.Format != "" && !contains(ValidLogFormats, log.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be one of %v, got %q", ValidLogFormats, log.Format),
		})
	}

	if log.Loki.URL != "" {
		if u, err := url.Parse(log.Loki.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.loki.url",
				Message: fmt.Sprintf("must be an http(s) URL, got %q", log.Loki.URL),
			})
		}
		if log.Loki.BatchSize < 0 {
			errs = append(errs, ValidationError{Field: "logging.loki.batch_size", Message: "must be >= 0"})
		}
	}

	return errs
}

// ValidateDaemon checks the maintenance schedule.
func ValidateDaemon(d DaemonConfig) []ValidationError {
	var errs []ValidationError
	if d.Schedule == "" {
		return errs
	}
	if _, err := ParseSchedule(d.Schedule); err != nil {
		errs = append(errs, ValidationError{
			Field:   "daemon.schedule",
			Message: fmt.Sprintf("invalid schedule %q: %v", d.Schedule, err),
		})
	}
	return errs
}

// ValidateMetrics checks metrics configuration.
func ValidateMetrics(m MetricsConfig) []ValidationError {
	var errs []ValidationError
	if m.Addr != "" {
		if _, _, err := net.SplitHostPort(m.Addr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.addr",
				Message: fmt.Sprintf("invalid address %q: %v", m.Addr, err),
			})
		}
	}
	return errs
}

// ParseSchedule parses "1h", "30m" or "@every 1h" into a positive interval.
func ParseSchedule(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@every"))
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

func checkHTTPURL(raw string) string {
	if raw == "" {
		return "URL is required"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("URL scheme must be http or https, got %q", u.Scheme)
	}
	return ""
}

func validAction(a string) bool {
	switch core.ActionType(a) {
	case core.ActionUploadAttempt, core.ActionUploadSuccess, core.ActionUploadBlocked,
		core.ActionExtensionChanged, core.ActionFileQuarantined, core.ActionFileRestored:
		return true
	}
	return false
}

// contains checks if a string slice contains a value.
func contains(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
