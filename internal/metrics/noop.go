package metrics

import (
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Noop is a no-op implementation of core.Metrics.
// Use this when metrics collection is disabled.
type Noop struct{}

// NewNoop creates a new no-op metrics collector.
func NewNoop() *Noop {
	return &Noop{}
}

// OrNoop returns m, or a no-op collector when m is nil.
func OrNoop(m core.Metrics) core.Metrics {
	if m == nil {
		return &Noop{}
	}
	return m
}

// Upload metrics
func (Noop) IncUploadAttempts()      {}
func (Noop) IncUploadOutcome(string) {}
func (Noop) AddUploadBytes(int64)    {}

// Validation metrics
func (Noop) IncVerdict(core.BlockReason, bool)      {}
func (Noop) IncValidationFailure(core.BlockReason) {}
func (Noop) IncVerdictCache(bool)                  {}

// Rule metrics
func (Noop) IncRuleChange(string) {}
func (Noop) SetCustomRules(int)   {}

// Cascade metrics
func (Noop) AddCascadeFiles(string, int)          {}
func (Noop) ObserveCascadeDuration(time.Duration) {}
func (Noop) IncCascadeBlobErrors()                {}

// Audit metrics
func (Noop) IncAuditFailure(string) {}

// HTTP metrics
func (Noop) ObserveHTTPRequest(string, string, int, time.Duration) {}

// Ensure Noop implements core.Metrics.
var _ core.Metrics = (*Noop)(nil)
