package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "extguard"

// Prometheus implements core.Metrics using Prometheus client.
type Prometheus struct {
	// Upload metrics
	uploadAttempts prometheus.Counter
	uploadOutcomes *prometheus.CounterVec
	uploadBytes    prometheus.Counter

	// Validation metrics
	verdicts           *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	verdictCache       *prometheus.CounterVec

	// Rule metrics
	ruleChanges *prometheus.CounterVec
	customRules prometheus.Gauge

	// Cascade metrics
	cascadeFiles      *prometheus.CounterVec
	cascadeDuration   prometheus.Histogram
	cascadeBlobErrors prometheus.Counter

	// Audit metrics
	auditFailures *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheus creates a new Prometheus metrics collector.
// All metrics are registered with the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	factory := promauto.With(reg)

	return &Prometheus{
		uploadAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Total upload requests received",
		}),

		uploadOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "outcomes_total",
			Help:      "Upload requests by terminal state",
		}, []string{"outcome"}),

		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Total bytes stored by successful uploads",
		}),

		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "verdicts_total",
			Help:      "Validation verdicts by reason and outcome",
		}, []string{"reason", "blocked"}),

		validationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "failures_total",
			Help:      "Hard input failures by kind",
		}, []string{"kind"}),

		verdictCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "cache_total",
			Help:      "Verdict cache lookups by result",
		}, []string{"result"}),

		ruleChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "changes_total",
			Help:      "Administrative rule changes by kind",
		}, []string{"kind"}),

		customRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "custom_rules",
			Help:      "Current number of custom extension rules",
		}),

		cascadeFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "files_total",
			Help:      "Files visited by cascade sweeps by result",
		}, []string{"result"}),

		cascadeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "duration_seconds",
			Help:      "Time spent per cascade sweep",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),

		cascadeBlobErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "blob_errors_total",
			Help:      "Physical deletions that failed during cascades",
		}),

		auditFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit write and broadcast failures by stage",
		}, []string{"stage"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Upload metrics

func (p *Prometheus) IncUploadAttempts() {
	p.uploadAttempts.Inc()
}

func (p *Prometheus) IncUploadOutcome(outcome string) {
	p.uploadOutcomes.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) AddUploadBytes(n int64) {
	if n > 0 {
		p.uploadBytes.Add(float64(n))
	}
}

// Validation metrics

func (p *Prometheus) IncVerdict(reason core.BlockReason, blocked bool) {
	r := string(reason)
	if r == "" {
		r = "none"
	}
	p.verdicts.WithLabelValues(r, boolStr(blocked)).Inc()
}

func (p *Prometheus) IncValidationFailure(kind core.BlockReason) {
	p.validationFailures.WithLabelValues(string(kind)).Inc()
}

func (p *Prometheus) IncVerdictCache(hit bool) {
	if hit {
		p.verdictCache.WithLabelValues("hit").Inc()
		return
	}
	p.verdictCache.WithLabelValues("miss").Inc()
}

// Rule metrics

func (p *Prometheus) IncRuleChange(kind string) {
	p.ruleChanges.WithLabelValues(kind).Inc()
}

func (p *Prometheus) SetCustomRules(n int) {
	p.customRules.Set(float64(n))
}

// Cascade metrics

func (p *Prometheus) AddCascadeFiles(result string, n int) {
	if n > 0 {
		p.cascadeFiles.WithLabelValues(result).Add(float64(n))
	}
}

func (p *Prometheus) ObserveCascadeDuration(d time.Duration) {
	p.cascadeDuration.Observe(d.Seconds())
}

func (p *Prometheus) IncCascadeBlobErrors() {
	p.cascadeBlobErrors.Inc()
}

// Audit metrics

func (p *Prometheus) IncAuditFailure(stage string) {
	p.auditFailures.WithLabelValues(stage).Inc()
}

// HTTP metrics

func (p *Prometheus) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Ensure Prometheus implements core.Metrics.
var _ core.Metrics = (*Prometheus)(nil)
