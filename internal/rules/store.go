// Package rules owns the fixed and custom extension rules and the cached
// snapshot the validator reads.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
)

// Cascader starts cleanup of stored files whose extension just became
// blocked and returns an id for tracking it. It must not wait for the
// cleanup to finish.
type Cascader interface {
	Cascade(ctx context.Context, extension string) string
}

// FixedChange is the outcome of toggling a fixed rule.
type FixedChange struct {
	Rule      core.FixedRule
	CascadeID string // empty when no cascade was started
}

// CustomChange is the outcome of adding a custom rule.
type CustomChange struct {
	Rule      core.CustomRule
	CascadeID string
}

// Store serves administrative rule operations and a read-after-write
// consistent snapshot of all rules.
type Store struct {
	repo    core.RuleRepository
	limits  core.RuleLimits
	cascade Cascader
	auditor core.Auditor
	log     logger.Logger
	metrics core.Metrics

	writeMu sync.Mutex // serializes admin writes

	mu      sync.RWMutex
	snap    *core.RuleSnapshot
	version uint64
}

// New creates a rule store. cascade may be nil, in which case blocking an
// extension does not touch stored files.
func New(repo core.RuleRepository, limits core.RuleLimits, cascade Cascader, log logger.Logger, m core.Metrics) *Store {
	return &Store{
		repo:    repo,
		limits:  limits,
		cascade: cascade,
		log:     logger.OrNop(log),
		metrics: metrics.OrNoop(m),
		version: 1,
	}
}

// WithAuditor sets the auditor used for EXTENSION_CHANGED entries.
func (s *Store) WithAuditor(a core.Auditor) *Store {
	s.auditor = a
	return s
}

// Limits returns the limits the store enforces.
func (s *Store) Limits() core.RuleLimits {
	return s.limits
}

// Seed creates every missing fixed rule unblocked. Existing rows keep
// their flag.
func (s *Store) Seed(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := 0
	for _, name := range s.limits.FixedExtensions {
		_, err := s.repo.FixedRuleByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("looking up fixed rule %q: %w", name, err)
		}
		if _, err := s.repo.SaveFixedRule(ctx, core.FixedRule{Extension: name}); err != nil {
			return fmt.Errorf("seeding fixed rule %q: %w", name, err)
		}
		created++
	}

	n, err := s.repo.CountCustomRules(ctx)
	if err != nil {
		return fmt.Errorf("counting custom rules: %w", err)
	}
	s.metrics.SetCustomRules(n)
	s.invalidate()

	s.log.Info("fixed rules seeded",
		logger.F("created", created),
		logger.F("fixed", len(s.limits.FixedExtensions)),
		logger.F("custom", n))
	return nil
}

// Snapshot returns the current rules. The result reflects every write
// that has returned.
func (s *Store) Snapshot(ctx context.Context) (core.RuleSnapshot, error) {
	s.mu.RLock()
	if s.snap != nil {
		snap := *s.snap
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		return *s.snap, nil
	}

	fixed, err := s.repo.FixedRules(ctx)
	if err != nil {
		return core.RuleSnapshot{}, fmt.Errorf("loading fixed rules: %w", err)
	}
	custom, err := s.repo.CustomRules(ctx)
	if err != nil {
		return core.RuleSnapshot{}, fmt.Errorf("loading custom rules: %w", err)
	}

	blocked := make(map[string]bool, len(fixed))
	for _, r := range fixed {
		blocked[r.Extension] = r.Blocked
	}
	names := make([]string, 0, len(custom))
	for _, r := range custom {
		names = append(names, r.Extension)
	}

	snap := core.NewRuleSnapshot(s.version, s.limits.FixedExtensions, blocked, names)
	s.snap = &snap
	return snap, nil
}

// invalidate drops the cached snapshot and moves to a new version so
// verdicts cached under the old one are never reused.
func (s *Store) invalidate() {
	s.mu.Lock()
	s.version++
	s.snap = nil
	s.mu.Unlock()
}

// ListFixed returns the fixed rules ordered by extension.
func (s *Store) ListFixed(ctx context.Context) ([]core.FixedRule, error) {
	all, err := s.repo.FixedRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.FixedRule, 0, len(all))
	for _, r := range all {
		if s.limits.IsFixed(r.Extension) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetFixedBlocked sets the blocked flag of a fixed extension. Blocking
// starts a cascade over stored files with that extension.
func (s *Store) SetFixedBlocked(ctx context.Context, name string, blocked bool) (FixedChange, error) {
	name = core.NormalizeExtension(name)
	if !s.limits.IsFixed(name) {
		return FixedChange{}, fmt.Errorf("%w: %q is not a fixed extension", core.ErrNotFound, name)
	}

	s.writeMu.Lock()
	rule, err := s.repo.SaveFixedRule(ctx, core.FixedRule{Extension: name, Blocked: blocked})
	if err == nil {
		s.invalidate()
	}
	s.writeMu.Unlock()
	if err != nil {
		return FixedChange{}, fmt.Errorf("saving fixed rule %q: %w", name, err)
	}

	kind, change := "fixed_allowed", "fixed extension unblocked"
	if blocked {
		kind, change = "fixed_blocked", "fixed extension blocked"
	}
	s.metrics.IncRuleChange(kind)
	s.record(ctx, core.NewExtensionChangedEntry(name, change))
	s.log.Info("fixed rule updated", logger.F("extension", name), logger.F("blocked", blocked))

	out := FixedChange{Rule: rule}
	if blocked {
		out.CascadeID = s.startCascade(ctx, name)
	}
	return out, nil
}

// ListCustom returns the custom rules ordered by extension.
func (s *Store) ListCustom(ctx context.Context) ([]core.CustomRule, error) {
	return s.repo.CustomRules(ctx)
}

// AddCustom normalizes raw and stores it as a custom (always blocked)
// rule, then starts a cascade for it.
func (s *Store) AddCustom(ctx context.Context, raw string) (CustomChange, error) {
	ext := core.NormalizeExtension(raw)
	if err := s.limits.CheckExtension(ext); err != nil {
		return CustomChange{}, err
	}
	if s.limits.IsFixed(ext) {
		return CustomChange{}, fmt.Errorf("%w: %q is a fixed extension", core.ErrAlreadyExists, ext)
	}

	s.writeMu.Lock()
	rule, count, err := s.addCustomLocked(ctx, ext)
	s.writeMu.Unlock()
	if err != nil {
		return CustomChange{}, err
	}

	s.metrics.IncRuleChange("custom_added")
	s.metrics.SetCustomRules(count)
	s.record(ctx, core.NewExtensionChangedEntry(ext, "custom extension added"))
	s.log.Info("custom rule added", logger.F("extension", ext), logger.F("id", rule.ID), logger.F("count", count))

	return CustomChange{Rule: rule, CascadeID: s.startCascade(ctx, ext)}, nil
}

func (s *Store) addCustomLocked(ctx context.Context, ext string) (core.CustomRule, int, error) {
	exists, err := s.repo.CustomRuleExists(ctx, ext)
	if err != nil {
		return core.CustomRule{}, 0, fmt.Errorf("checking custom rule: %w", err)
	}
	if exists {
		return core.CustomRule{}, 0, fmt.Errorf("%w: custom extension %q", core.ErrAlreadyExists, ext)
	}

	count, err := s.repo.CountCustomRules(ctx)
	if err != nil {
		return core.CustomRule{}, 0, fmt.Errorf("counting custom rules: %w", err)
	}
	if count >= s.limits.MaxCustomRules {
		return core.CustomRule{}, 0, fmt.Errorf("%w: at most %d custom extensions", core.ErrLimitExceeded, s.limits.MaxCustomRules)
	}

	rule, err := s.repo.CreateCustomRule(ctx, core.CustomRule{Extension: ext})
	if errors.Is(err, core.ErrAlreadyExists) {
		return core.CustomRule{}, 0, fmt.Errorf("%w: custom extension %q", core.ErrAlreadyExists, ext)
	}
	if err != nil {
		return core.CustomRule{}, 0, fmt.Errorf("creating custom rule: %w", err)
	}
	s.invalidate()
	return rule, count + 1, nil
}

// DeleteCustom removes a custom rule by id.
func (s *Store) DeleteCustom(ctx context.Context, id string) error {
	s.writeMu.Lock()
	rule, err := s.repo.CustomRuleByID(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: custom rule %q", core.ErrNotFound, id)
		}
		return err
	}
	if err := s.repo.DeleteCustomRule(ctx, id); err != nil {
		s.writeMu.Unlock()
		return err
	}
	s.invalidate()
	count, cerr := s.repo.CountCustomRules(ctx)
	s.writeMu.Unlock()

	s.metrics.IncRuleChange("custom_deleted")
	if cerr == nil {
		s.metrics.SetCustomRules(count)
	}
	s.record(ctx, core.NewExtensionChangedEntry(rule.Extension, "custom extension deleted"))
	s.log.Info("custom rule deleted", logger.F("extension", rule.Extension), logger.F("id", id))
	return nil
}

func (s *Store) startCascade(ctx context.Context, ext string) string {
	if s.cascade == nil {
		return ""
	}
	return s.cascade.Cascade(ctx, ext)
}

func (s *Store) record(ctx context.Context, e core.AuditEntry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, e)
	}
}
