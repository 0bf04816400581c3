// Package executor removes stored files whose extension has become
// blocked.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
)

// Per-file outcome reasons.
const (
	reasonProtected   = "protected"
	reasonDeleted     = "deleted"
	reasonAlreadyGone = "already_gone"
	reasonBlobFailed  = "blob_delete_failed"
	reasonMarkFailed  = "mark_failed"
)

// Config bounds the reactor's resources.
type Config struct {
	Workers     int // files processed in parallel per sweep
	TaskHistory int // finished tasks kept for status lookups
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, TaskHistory: 256}
}

// SnapshotSource provides the current rules for a reconcile pass.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (core.RuleSnapshot, error)
}

// Reactor sweeps ACTIVE files of a newly blocked extension. Protected
// files are skipped; every other file ends up DELETED even when its bytes
// could not be removed.
type Reactor struct {
	files   core.FileRepository
	blobs   core.BlobStore
	aud     core.Auditor
	cfg     Config
	tasks   *lru.Cache[string, *Task]
	wg      sync.WaitGroup
	now     func() time.Time
	log     logger.Logger
	metrics core.Metrics
}

// NewReactor creates a reactor. Nil logger and metrics fall back to no-ops.
func NewReactor(files core.FileRepository, blobs core.BlobStore, cfg Config, log logger.Logger, m core.Metrics) *Reactor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TaskHistory <= 0 {
		cfg.TaskHistory = DefaultConfig().TaskHistory
	}
	tasks, _ := lru.New[string, *Task](cfg.TaskHistory)
	return &Reactor{
		files:   files,
		blobs:   blobs,
		cfg:     cfg,
		tasks:   tasks,
		now:     time.Now,
		log:     logger.OrNop(log),
		metrics: metrics.OrNoop(m),
	}
}

// WithAuditor attaches an auditor (optional). Safe to pass nil.
func (r *Reactor) WithAuditor(aud core.Auditor) *Reactor {
	r.aud = aud
	return r
}

// OnExtensionBlocked starts a sweep for extension on its own goroutine
// and returns immediately. The sweep outlives ctx cancellation.
func (r *Reactor) OnExtensionBlocked(ctx context.Context, extension string) *Task {
	t := newTask(uuid.NewString(), extension, r.now())
	r.tasks.Add(t.id, t)

	log := logger.FromContext(ctx, r.log).WithFields(logger.F("cascade_id", t.id))
	detached := logger.NewContext(context.WithoutCancel(ctx), log)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.Sweep(detached, extension)
		res.ID = t.id
		t.finish(res)
	}()

	log.Info("cascade started", logger.F("extension", extension))
	return t
}

// Cascade starts a sweep and returns its task id.
func (r *Reactor) Cascade(ctx context.Context, extension string) string {
	return r.OnExtensionBlocked(ctx, extension).ID()
}

// Task looks up a recent task by id.
func (r *Reactor) Task(id string) (*Task, bool) {
	return r.tasks.Get(id)
}

// Wait blocks until every started sweep has finished.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Sweep processes every ACTIVE file of extension and returns the tally.
// Partial progress is kept: a failing file does not stop the others.
func (r *Reactor) Sweep(ctx context.Context, extension string) core.CascadeResult {
	res := core.CascadeResult{Extension: extension, StartedAt: r.now()}
	log := logger.FromContext(ctx, r.log)
	defer func() {
		res.FinishedAt = r.now()
		r.metrics.ObserveCascadeDuration(res.FinishedAt.Sub(res.StartedAt))
		r.metrics.AddCascadeFiles(reasonDeleted, res.Deleted)
		r.metrics.AddCascadeFiles(reasonProtected, res.Protected)
		r.metrics.AddCascadeFiles("failed", res.Failed)
		log.Info("cascade finished",
			logger.F("extension", extension),
			logger.F("deleted", res.Deleted),
			logger.F("protected", res.Protected),
			logger.F("failed", res.Failed),
			logger.F("duration", res.FinishedAt.Sub(res.StartedAt).String()))
	}()

	files, err := r.files.FilesByExtension(ctx, extension, core.StatusActive)
	if err != nil {
		log.Error("cascade listing failed", logger.F("extension", extension), logger.Err(err))
		res.Err = fmt.Errorf("listing files for %q: %w", extension, err)
		return res
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for _, f := range files {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
		g.Go(func() error {
			reason := r.removeFile(ctx, log, f, extension)
			mu.Lock()
			defer mu.Unlock()
			switch reason {
			case reasonProtected:
				res.Protected++
			case reasonMarkFailed:
				res.Failed++
			default:
				res.Deleted++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Reconcile sweeps every currently blocked extension. It catches files
// stored by uploads that were validated just before a rule changed.
func (r *Reactor) Reconcile(ctx context.Context, rules SnapshotSource) ([]core.CascadeResult, error) {
	snap, err := rules.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	var out []core.CascadeResult
	var errs []error
	for _, ext := range snap.BlockedExtensions() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res := r.Sweep(ctx, ext)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
		if res.Deleted+res.Protected+res.Failed > 0 {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// removeFile handles one file and returns its outcome reason. The record
// is claimed before any bytes are touched, so a file protected after the
// listing keeps its bytes.
func (r *Reactor) removeFile(ctx context.Context, log logger.Logger, f core.UploadedFile, extension string) (reason string) {
	if f.Protected {
		log.Debug("cascade skipped protected file", logger.F("id", f.ID), logger.F("filename", f.OriginalFilename))
		return reasonProtected
	}

	if _, err := r.files.MarkDeletedUnlessProtected(ctx, f.ID); err != nil {
		switch {
		case errors.Is(err, core.ErrProtected):
			log.Debug("cascade skipped file protected mid-sweep", logger.F("id", f.ID), logger.F("filename", f.OriginalFilename))
			return reasonProtected
		case errors.Is(err, core.ErrNotFound):
			return reasonAlreadyGone
		}
		log.Error("marking file deleted failed", logger.F("id", f.ID), logger.Err(err))
		return reasonMarkFailed
	}

	reason = reasonDeleted
	if err := r.removeBytes(ctx, f, extension); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			reason = reasonAlreadyGone
		} else {
			// the record is already DELETED; the bytes are left orphaned
			log.Warn("blob delete failed",
				logger.F("id", f.ID),
				logger.F("locator", f.StoragePath),
				logger.Err(err))
			r.metrics.IncCascadeBlobErrors()
			reason = reasonBlobFailed
		}
	}

	if r.aud != nil {
		r.aud.Record(ctx, core.NewQuarantinedEntry(f, extension))
	}
	log.Debug("cascade removed file",
		logger.F("id", f.ID),
		logger.F("filename", f.OriginalFilename),
		logger.F("reason", reason))
	return reason
}

func (r *Reactor) removeBytes(ctx context.Context, f core.UploadedFile, extension string) error {
	if r.blobs == nil {
		return nil
	}
	if q, ok := r.blobs.(core.Quarantiner); ok {
		return q.Quarantine(ctx, f.StoragePath, "extension "+extension+" blocked")
	}
	return r.blobs.Delete(ctx, f.StoragePath)
}
