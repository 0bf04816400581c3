// Package auditor records audit entries durably and fans them out to
// live subscribers.
package auditor

import (
	"context"
	"sync"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
)

const broadcastTimeout = 10 * time.Second

// Sink is the core.Auditor used by every component. Append happens on
// the caller's goroutine; broadcast happens on its own. Neither failure
// reaches the caller.
type Sink struct {
	log     core.AuditLog
	mirror  Writer
	bc      core.Broadcaster
	wg      sync.WaitGroup
	logger  logger.Logger
	metrics core.Metrics
}

// NewSink creates a sink over log. bc may be nil.
func NewSink(log core.AuditLog, bc core.Broadcaster, lg logger.Logger, m core.Metrics) *Sink {
	return &Sink{
		log:     log,
		bc:      bc,
		logger:  logger.OrNop(lg),
		metrics: metrics.OrNoop(m),
	}
}

// WithMirror attaches a writer that receives every stored entry.
func (s *Sink) WithMirror(w Writer) *Sink {
	s.mirror = w
	return s
}

// Record appends e and schedules its broadcast.
func (s *Sink) Record(ctx context.Context, e core.AuditEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	stored, err := s.log.Append(ctx, e)
	if err != nil {
		s.metrics.IncAuditFailure("append")
		s.logger.Warn("audit append failed",
			logger.F("action", string(e.Action)),
			logger.F("filename", e.Filename),
			logger.Err(err))
		stored = e
	}

	if s.mirror != nil {
		if err := s.mirror.Write(ctx, stored); err != nil {
			s.metrics.IncAuditFailure("mirror")
			s.logger.Warn("audit mirror failed", logger.Err(err))
		}
	}

	if s.bc == nil {
		return
	}
	summary := core.Summarize(stored)
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bctx, cancel := context.WithTimeout(detached, broadcastTimeout)
		defer cancel()
		if err := s.bc.Broadcast(bctx, summary); err != nil {
			s.metrics.IncAuditFailure("broadcast")
			s.logger.Debug("audit broadcast failed",
				logger.F("action", summary.Action),
				logger.Err(err))
		}
	}()
}

// QueryBlocked returns one page of blocked entries, newest first.
func (s *Sink) QueryBlocked(ctx context.Context, page core.PageRequest) (core.AuditPage, error) {
	return s.log.QueryBlocked(ctx, page)
}

// Wait blocks until pending broadcasts finish.
func (s *Sink) Wait() {
	s.wg.Wait()
}

var _ core.Auditor = (*Sink)(nil)
