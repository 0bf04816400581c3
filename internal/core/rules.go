package core

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// DefaultFixedExtensions is the closed set of extensions whose block flag
// is toggled by administrators.
var DefaultFixedExtensions = []string{"bat", "cmd", "com", "cpl", "exe", "scr", "js"}

// RuleLimits bounds rule and upload sizes. Built once from configuration.
type RuleLimits struct {
	FixedExtensions    []string
	MaxCustomRules     int
	MaxExtensionLength int
	MaxFileSize        int64
}

func DefaultRuleLimits() RuleLimits {
	return RuleLimits{
		FixedExtensions:    append([]string(nil), DefaultFixedExtensions...),
		MaxCustomRules:     200,
		MaxExtensionLength: 20,
		MaxFileSize:        100 * 1024 * 1024,
	}
}

// IsFixed reports whether ext (already normalized) belongs to the fixed set.
func (l RuleLimits) IsFixed(ext string) bool {
	for _, f := range l.FixedExtensions {
		if f == ext {
			return true
		}
	}
	return false
}

// Messages are the user-facing texts attached to verdicts and failures.
type Messages struct {
	NoFileSelected   string
	FileTooLarge     string // formatted with the size limit in bytes
	InvalidFilename  string
	BlockedExtension string
	BypassAttempt    string
}

func DefaultMessages() Messages {
	return Messages{
		NoFileSelected:   "no file selected",
		FileTooLarge:     "file size exceeds the maximum allowed size of %d bytes",
		InvalidFilename:  "invalid filename",
		BlockedExtension: "file contains a blocked extension",
		BypassAttempt:    "file hides a blocked extension behind another extension",
	}
}

// BlockedText renders the reason text for a blocked extension.
func (m Messages) BlockedText(reason BlockReason, ext string) string {
	msg := m.BlockedExtension
	if reason == ReasonBypassAttempt {
		msg = m.BypassAttempt
	}
	return fmt.Sprintf("%s: %s", msg, ext)
}

// TooLargeText renders the size-limit message.
func (m Messages) TooLargeText(limit int64) string {
	if strings.Contains(m.FileTooLarge, "%d") {
		return fmt.Sprintf(m.FileTooLarge, limit)
	}
	return m.FileTooLarge
}

// NormalizeExtension lower-cases and trims ext and strips one leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	ext = strings.TrimPrefix(ext, ".")
	return strings.TrimSpace(ext)
}

// CheckExtension validates a normalized custom extension.
func (l RuleLimits) CheckExtension(ext string) error {
	if ext == "" {
		return fmt.Errorf("%w: extension is empty", ErrInvalidExtension)
	}
	if l.MaxExtensionLength > 0 && len([]rune(ext)) > l.MaxExtensionLength {
		return fmt.Errorf("%w: extension longer than %d characters", ErrInvalidExtension, l.MaxExtensionLength)
	}
	for _, r := range ext {
		if r == '.' || r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: extension contains %q", ErrInvalidExtension, r)
		}
	}
	return nil
}

// RuleSnapshot is an immutable view of the rule store. Fixed holds every
// name of the fixed set mapped to its persisted blocked flag.
type RuleSnapshot struct {
	Version uint64
	Fixed   map[string]bool
	Custom  map[string]struct{}
}

// NewRuleSnapshot builds a snapshot. Fixed names missing from blocked are
// treated as unblocked.
func NewRuleSnapshot(version uint64, fixedSet []string, blocked map[string]bool, custom []string) RuleSnapshot {
	s := RuleSnapshot{
		Version: version,
		Fixed:   make(map[string]bool, len(fixedSet)),
		Custom:  make(map[string]struct{}, len(custom)),
	}
	for _, name := range fixedSet {
		s.Fixed[name] = blocked[name]
	}
	for _, c := range custom {
		s.Custom[c] = struct{}{}
	}
	return s
}

func (s RuleSnapshot) IsFixed(ext string) bool {
	_, ok := s.Fixed[ext]
	return ok
}

func (s RuleSnapshot) IsCustom(ext string) bool {
	_, ok := s.Custom[ext]
	return ok
}

// BlockedExtensions lists every currently blocked extension, sorted.
func (s RuleSnapshot) BlockedExtensions() []string {
	out := make([]string, 0, len(s.Fixed)+len(s.Custom))
	for name, blocked := range s.Fixed {
		if blocked {
			out = append(out, name)
		}
	}
	for c := range s.Custom {
		if !s.IsFixed(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
