// Package policy classifies filenames against extension rules.
//
// Every function here is pure: the verdict for a filename depends only on
// the filename, the rule snapshot and an optional override.
package policy

import (
	"strings"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// FixedOverride is a hypothetical blocked/unblocked state for fixed
// extensions, used to preview a configuration without persisting it.
type FixedOverride struct {
	states map[string]bool
}

// NewFixedOverride keeps only keys that name a fixed extension. Keys are
// normalized; unknown keys are dropped silently. A nil or empty map yields
// nil.
func NewFixedOverride(raw map[string]bool, fixed []string) *FixedOverride {
	if len(raw) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(fixed))
	for _, f := range fixed {
		allowed[f] = true
	}
	states := make(map[string]bool, len(raw))
	for k, v := range raw {
		name := core.NormalizeExtension(k)
		if allowed[name] {
			states[name] = v
		}
	}
	if len(states) == 0 {
		return nil
	}
	return &FixedOverride{states: states}
}

// Lookup returns the overridden state of ext, if any.
func (o *FixedOverride) Lookup(ext string) (blocked, ok bool) {
	if o == nil {
		return false, false
	}
	blocked, ok = o.states[ext]
	return blocked, ok
}

// Len reports how many fixed extensions are overridden.
func (o *FixedOverride) Len() int {
	if o == nil {
		return 0
	}
	return len(o.states)
}

// ExtractCandidates returns every extension-like segment of filename,
// last segment first, without duplicates. The base name (text before the
// first dot), empty segments and purely numeric segments are skipped.
func ExtractCandidates(filename string) []string {
	parts := strings.Split(filename, ".")
	if len(parts) <= 1 {
		return nil
	}

	seen := make(map[string]bool, len(parts)-1)
	out := make([]string, 0, len(parts)-1)
	for i := len(parts) - 1; i >= 1; i-- {
		ext := strings.ToLower(strings.TrimSpace(parts[i]))
		if ext == "" || isNumeric(ext) || seen[ext] {
			continue
		}
		seen[ext] = true
		out = append(out, ext)
	}
	return out
}

// LastExtension returns the lower-cased text after the final dot, or ""
// when filename has no dot.
func LastExtension(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(filename[i+1:]))
}

// IsExtensionBlocked reports whether a single extension is blocked. Fixed
// extensions follow the override first, then their persisted flag. Any
// other extension is blocked only while it is a custom rule.
func IsExtensionBlocked(ext string, snap core.RuleSnapshot, override *FixedOverride) bool {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return false
	}
	if snap.IsFixed(ext) {
		if blocked, ok := override.Lookup(ext); ok {
			return blocked
		}
		return snap.Fixed[ext]
	}
	return snap.IsCustom(ext)
}

// Match is the first blocked candidate found in a filename.
type Match struct {
	Extension string
	// Trailing is true when the match is the final segment. A non-trailing
	// match means a blocked extension was hidden behind another one.
	Trailing bool
}

// FindBlocked runs the bypass-aware check: every candidate from
// ExtractCandidates is tested and the first blocked one is returned.
func FindBlocked(filename string, snap core.RuleSnapshot, override *FixedOverride) (Match, bool) {
	last := LastExtension(filename)
	for _, ext := range ExtractCandidates(filename) {
		if IsExtensionBlocked(ext, snap, override) {
			return Match{Extension: ext, Trailing: ext == last}, true
		}
	}
	return Match{}, false
}

// IsFilenameBlocked combines the last-extension check with the bypass
// check. It returns the extension to display: the blocked one when
// blocked, otherwise the last extension.
func IsFilenameBlocked(filename string, snap core.RuleSnapshot, override *FixedOverride) (string, bool) {
	last := LastExtension(filename)
	if IsExtensionBlocked(last, snap, override) {
		return last, true
	}
	if m, ok := FindBlocked(filename, snap, override); ok {
		return m.Extension, true
	}
	return last, false
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
