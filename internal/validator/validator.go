// Package validator turns an incoming file into a verdict or a hard
// input failure.
package validator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
	"github.com/ChrisB0-2/extension-guard/internal/policy"
)

// SnapshotSource provides the current rule snapshot. The returned
// snapshot must reflect every completed rule write.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (core.RuleSnapshot, error)
}

// File is the part of an upload the validator looks at.
type File struct {
	Filename string
	Size     int64
}

// Config configures a Validator.
type Config struct {
	Limits   core.RuleLimits
	Messages core.Messages

	// ReportBypassAttempts reports a blocked extension hidden behind a
	// later segment as BYPASS_ATTEMPT instead of BLOCKED_EXTENSION.
	ReportBypassAttempts bool

	CacheSize int // 0 disables the verdict cache
	CacheTTL  time.Duration
}

// Validator applies the upload gates in order: empty content, size,
// filename presence, then the bypass-aware extension check.
type Validator struct {
	rules   SnapshotSource
	cfg     Config
	cache   *expirable.LRU[string, core.ValidationResult]
	log     logger.Logger
	metrics core.Metrics
}

// New creates a validator. Nil logger and metrics fall back to no-ops.
func New(rules SnapshotSource, cfg Config, log logger.Logger, m core.Metrics) *Validator {
	v := &Validator{
		rules:   rules,
		cfg:     cfg,
		log:     logger.OrNop(log),
		metrics: metrics.OrNoop(m),
	}
	if cfg.CacheSize > 0 {
		v.cache = expirable.NewLRU[string, core.ValidationResult](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return v
}

// Validate returns the verdict for f. Hard input failures come back as
// *core.ValidationError; a blocked verdict is a normal result.
func (v *Validator) Validate(ctx context.Context, f File) (core.ValidationResult, error) {
	if f.Size <= 0 {
		return core.ValidationResult{}, v.fail(core.ReasonInvalidFilename, v.cfg.Messages.NoFileSelected)
	}
	if v.cfg.Limits.MaxFileSize > 0 && f.Size > v.cfg.Limits.MaxFileSize {
		return core.ValidationResult{}, v.fail(core.ReasonFileSizeExceeded, v.cfg.Messages.TooLargeText(v.cfg.Limits.MaxFileSize))
	}
	if strings.TrimSpace(f.Filename) == "" {
		return core.ValidationResult{}, v.fail(core.ReasonInvalidFilename, v.cfg.Messages.InvalidFilename)
	}

	res, err := v.Classify(ctx, f.Filename)
	if err != nil {
		return core.ValidationResult{}, err
	}
	v.metrics.IncVerdict(res.Reason, !res.Allowed)
	if !res.Allowed {
		v.log.Debug("filename blocked",
			logger.F("filename", f.Filename),
			logger.F("extension", res.Extension),
			logger.F("reason", string(res.Reason)))
	}
	return res, nil
}

// Classify runs only the bypass-aware extension check against the
// current rules.
func (v *Validator) Classify(ctx context.Context, filename string) (core.ValidationResult, error) {
	snap, err := v.rules.Snapshot(ctx)
	if err != nil {
		return core.ValidationResult{}, fmt.Errorf("loading rules: %w", err)
	}

	key := cacheKey(snap.Version, filename)
	if v.cache != nil {
		if res, ok := v.cache.Get(key); ok {
			v.metrics.IncVerdictCache(true)
			return res, nil
		}
		v.metrics.IncVerdictCache(false)
	}

	res := v.verdict(filename, snap, nil)
	if v.cache != nil {
		v.cache.Add(key, res)
	}
	return res, nil
}

// Preview is the answer to a check query.
type Preview struct {
	Filename  string
	Extension string
	Blocked   bool
	Result    core.ValidationResult
}

// Preview checks filename against the current rules with an optional
// hypothetical fixed-extension state. It combines the last-extension
// check with the bypass check and never touches the cache.
func (v *Validator) Preview(ctx context.Context, filename string, override *policy.FixedOverride) (Preview, error) {
	snap, err := v.rules.Snapshot(ctx)
	if err != nil {
		return Preview{}, fmt.Errorf("loading rules: %w", err)
	}
	ext, blocked := policy.IsFilenameBlocked(filename, snap, override)
	return Preview{
		Filename:  filename,
		Extension: ext,
		Blocked:   blocked,
		Result:    v.verdict(filename, snap, override),
	}, nil
}

func (v *Validator) verdict(filename string, snap core.RuleSnapshot, override *policy.FixedOverride) core.ValidationResult {
	m, blocked := policy.FindBlocked(filename, snap, override)
	if !blocked {
		return core.ValidationResult{Allowed: true}
	}
	reason := core.ReasonBlockedExtension
	if v.cfg.ReportBypassAttempts && !m.Trailing {
		reason = core.ReasonBypassAttempt
	}
	return core.ValidationResult{
		Allowed:    false,
		ReasonText: v.cfg.Messages.BlockedText(reason, m.Extension),
		Reason:     reason,
		Extension:  m.Extension,
	}
}

func (v *Validator) fail(kind core.BlockReason, msg string) error {
	v.metrics.IncValidationFailure(kind)
	return &core.ValidationError{Kind: kind, Message: msg}
}

func cacheKey(version uint64, filename string) string {
	return strconv.FormatUint(version, 10) + "\x00" + filename
}
