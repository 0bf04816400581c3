package notifier

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
)

// Throttle caps the rate of summaries passed to next. Summaries over the
// limit are dropped, not queued.
type Throttle struct {
	next    core.Broadcaster
	limiter *rate.Limiter
	dropped atomic.Int64
	metrics core.Metrics
}

// NewThrottle wraps next with a token bucket. perSecond <= 0 disables
// limiting.
func NewThrottle(next core.Broadcaster, perSecond float64, burst int, m core.Metrics) *Throttle {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Throttle{next: next, limiter: lim, metrics: metrics.OrNoop(m)}
}

func (t *Throttle) Broadcast(ctx context.Context, s core.AuditSummary) error {
	if !t.limiter.Allow() {
		t.dropped.Add(1)
		t.metrics.IncAuditFailure("throttled")
		return nil
	}
	return t.next.Broadcast(ctx, s)
}

// Dropped reports how many summaries were discarded.
func (t *Throttle) Dropped() int64 {
	return t.dropped.Load()
}

var _ core.Broadcaster = (*Throttle)(nil)
