package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChrisB0-2/extension-guard/internal/api"
	"github.com/ChrisB0-2/extension-guard/internal/auditor"
	"github.com/ChrisB0-2/extension-guard/internal/blob"
	"github.com/ChrisB0-2/extension-guard/internal/config"
	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/daemon"
	"github.com/ChrisB0-2/extension-guard/internal/executor"
	"github.com/ChrisB0-2/extension-guard/internal/files"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
	"github.com/ChrisB0-2/extension-guard/internal/notifier"
	"github.com/ChrisB0-2/extension-guard/internal/rules"
	"github.com/ChrisB0-2/extension-guard/internal/store"
	"github.com/ChrisB0-2/extension-guard/internal/trash"
	"github.com/ChrisB0-2/extension-guard/internal/upload"
	"github.com/ChrisB0-2/extension-guard/internal/validator"
)

// repository is what every store driver implements.
type repository interface {
	core.RuleRepository
	core.FileRepository
}

// pruner is implemented by audit logs that support retention.
type pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// app holds the wired components of a running process.
type app struct {
	cfg *config.Config
	log logger.Logger

	rules   *rules.Store
	reactor *executor.Reactor
	sink    *auditor.Sink
	trash   *trash.Manager
	audit   core.AuditLog
	handler http.Handler

	// closers run in order on shutdown.
	closers []daemon.ShutdownHook
}

func (a *app) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, daemon.ShutdownHook{Name: name, Fn: fn})
}

// newApp builds every component from cfg. On error, resources opened so
// far are released.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.close(ctx)
		}
	}()

	var m core.Metrics = metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if cfg.Metrics.Addr != "" {
			a.startMetricsServer(cfg.Metrics.Addr, reg)
		} else {
			metricsHandler = metrics.Handler(reg, log)
		}
	}

	repo, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}

	bc, live := a.openNotifiers(ctx, m)
	if err := a.openAudit(bc, m); err != nil {
		return nil, err
	}

	limits := cfg.RuleLimits()
	a.reactor = executor.NewReactor(repo, blobs, executor.Config{
		Workers:     cfg.Cascade.Workers,
		TaskHistory: cfg.Cascade.TaskHistory,
	}, log, m).WithAuditor(a.sink)

	a.rules = rules.New(repo, limits, a.reactor, log, m).WithAuditor(a.sink)
	if err := a.rules.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seeding rules: %w", err)
	}

	v := validator.New(a.rules, validator.Config{
		Limits:               limits,
		Messages:             cfg.VerdictMessages(),
		ReportBypassAttempts: cfg.Validation.ReportBypassAttempts,
		CacheSize:            cfg.Validation.CacheSize,
		CacheTTL:             cfg.Validation.CacheTTL,
	}, log, m)

	srv := api.New(api.Config{
		Rules:           a.rules,
		Previewer:       v,
		Uploads:         upload.New(v, blobs, repo, a.sink, log, m),
		Files:           files.NewService(repo, blobs, log),
		Audit:           a.sink,
		Cascades:        a.reactor,
		LiveAudit:       live,
		Metrics:         metricsHandler,
		Messages:        cfg.VerdictMessages(),
		MaxUploadBytes:  limits.MaxFileSize,
		DefaultPageSize: cfg.Audit.DefaultPageSize,
		MaxPageSize:     cfg.Audit.MaxPageSize,
	}, log, m)
	a.handler = srv.Router()

	ready = true
	return a, nil
}

func (a *app) startMetricsServer(addr string, g prometheus.Gatherer) {
	ms := metrics.NewServer(addr, g, a.log)
	go func() {
		a.log.Info("metrics server starting", logger.F("addr", addr))
		if err := ms.Start(); err != nil {
			a.log.Error("metrics server error", logger.Err(err))
		}
	}()
	a.onClose("metrics server", ms.Shutdown)
}

func (a *app) openStore(ctx context.Context) (repository, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case "memory":
		a.log.Warn("using in-memory store; rules and file records are lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		if err := store.Migrate(sc.PostgresDSN, a.log); err != nil {
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		pg, err := store.NewPostgres(ctx, sc.PostgresDSN, a.log)
		if err != nil {
			return nil, err
		}
		a.onClose("postgres store", func(context.Context) error { return pg.Close() })
		return pg, nil
	default:
		if err := ensureParent(sc.SQLitePath); err != nil {
			return nil, err
		}
		db, err := store.NewSQLite(store.SQLiteConfig{Path: sc.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		a.onClose("sqlite store", func(context.Context) error { return db.Close() })
		return db, nil
	}
}

func (a *app) openBlobs(ctx context.Context) (core.BlobStore, error) {
	bc := a.cfg.Blob
	if bc.Driver == "s3" {
		s3, err := blob.NewS3(blob.S3Config{
			Endpoint:         bc.S3.Endpoint,
			Region:           bc.S3.Region,
			Bucket:           bc.S3.Bucket,
			AccessKey:        bc.S3.AccessKey,
			SecretKey:        bc.S3.SecretKey,
			UseSSL:           bc.S3.UseSSL,
			PathStyle:        bc.S3.PathStyle,
			QuarantinePrefix: bc.S3.QuarantinePrefix,
		}, a.log)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx, bc.S3.Region); err != nil {
			return nil, fmt.Errorf("preparing bucket: %w", err)
		}
		return s3, nil
	}

	tm, err := trash.New(trash.Config{Dir: bc.QuarantineDir, MaxAge: bc.QuarantineMaxAge}, a.log)
	if err != nil {
		return nil, fmt.Errorf("preparing quarantine: %w", err)
	}
	a.trash = tm
	return blob.NewLocal(bc.LocalRoot, tm, a.log)
}

// openNotifiers builds the broadcast fan-out. It returns the broadcaster
// (nil when no target is configured) and the WebSocket handler (nil
// when disabled).
func (a *app) openNotifiers(ctx context.Context, m core.Metrics) (core.Broadcaster, http.Handler) {
	nc := a.cfg.Notify
	targets := notifier.NewMulti()
	var live http.Handler

	if nc.WebSocket {
		hub := notifier.NewHub(a.log)
		targets.Add(hub)
		live = hub
		a.onClose("websocket hub", func(context.Context) error { hub.Close(); return nil })
	}
	for _, wh := range nc.Webhooks {
		targets.Add(notifier.NewWebhook(notifier.WebhookConfig{
			URL:     wh.URL,
			Headers: wh.Headers,
			Actions: wh.Actions,
			Timeout: wh.Timeout,
		}))
	}
	if nc.Slack.WebhookURL != "" {
		targets.Add(notifier.NewSlack(notifier.SlackConfig{
			WebhookURL: nc.Slack.WebhookURL,
			Channel:    nc.Slack.Channel,
			Actions:    nc.Slack.Actions,
		}))
	}
	if nc.Redis.Addr != "" {
		rd := notifier.NewRedis(notifier.RedisConfig{
			Addr:     nc.Redis.Addr,
			Password: nc.Redis.Password,
			DB:       nc.Redis.DB,
			Channel:  nc.Redis.Channel,
		}, a.log)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rd.Ping(pingCtx); err != nil {
			a.log.Warn("redis unreachable; publishing will be retried per entry",
				logger.F("addr", nc.Redis.Addr), logger.Err(err))
		}
		cancel()
		targets.Add(rd)
		a.onClose("redis", func(context.Context) error { return rd.Close() })
	}

	if targets.Len() == 0 {
		return nil, live
	}
	a.log.Info("audit notifications enabled", logger.F("targets", targets.Len()))
	return notifier.NewThrottle(targets, nc.RatePerSecond, nc.Burst, m), live
}

func (a *app) openAudit(bc core.Broadcaster, m core.Metrics) error {
	ac := a.cfg.Audit
	switch ac.Driver {
	case "memory":
		a.audit = auditor.NewMemory()
	default:
		if err := ensureParent(ac.SQLitePath); err != nil {
			return err
		}
		db, err := auditor.NewSQLite(auditor.SQLiteConfig{Path: ac.SQLitePath})
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		a.audit = db
		a.onClose("audit log", func(context.Context) error { return db.Close() })
	}

	var jsonl *auditor.JSONL
	if ac.JSONLPath != "" {
		if err := ensureParent(ac.JSONLPath); err != nil {
			return err
		}
		j, err := auditor.NewJSONL(ac.JSONLPath)
		if err != nil {
			return fmt.Errorf("opening audit mirror: %w", err)
		}
		jsonl = j
		a.onClose("audit mirror", func(context.Context) error {
			if err := j.Err(); err != nil {
				a.log.Warn("audit mirror write error", logger.Err(err))
			}
			return j.Close()
		})
	}

	a.sink = auditor.NewSink(a.audit, bc, a.log, m)
	if mirrors := auditor.NewMulti(writerOrNil(jsonl)); mirrors.Len() > 0 {
		a.sink.WithMirror(mirrors)
	}
	return nil
}

func writerOrNil(j *auditor.JSONL) auditor.Writer {
	if j == nil {
		return nil
	}
	return j
}

// maintenance is the scheduled run: reconcile blocked extensions, purge
// aged quarantine, prune old audit rows.
func (a *app) maintenance(ctx context.Context) error {
	var errs []error

	results, err := a.reactor.Reconcile(ctx, a.rules)
	for _, res := range results {
		a.log.Info("reconcile swept extension",
			logger.F("extension", res.Extension),
			logger.F("deleted", res.Deleted),
			logger.F("protected", res.Protected),
			logger.F("failed", res.Failed))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	if a.trash != nil {
		n, freed, err := a.trash.Cleanup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("quarantine cleanup: %w", err))
		} else if n > 0 {
			a.log.Info("quarantine purged", logger.F("count", n), logger.F("bytes_freed", freed))
		}
	}

	if p, ok := a.audit.(pruner); ok && a.cfg.Audit.Retention > 0 {
		n, err := p.Prune(ctx, a.cfg.Audit.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("audit prune: %w", err))
		} else if n > 0 {
			a.log.Info("audit log pruned", logger.F("rows", n))
		}
	}

	return errors.Join(errs...)
}

// shutdownHooks drains background work before releasing resources in
// reverse order of acquisition.
func (a *app) shutdownHooks() []daemon.ShutdownHook {
	hooks := []daemon.ShutdownHook{
		{Name: "cascades", Fn: func(context.Context) error {
			if a.reactor != nil {
				a.reactor.Wait()
			}
			return nil
		}},
		{Name: "audit broadcasts", Fn: func(context.Context) error {
			if a.sink != nil {
				a.sink.Wait()
			}
			return nil
		}},
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		hooks = append(hooks, a.closers[i])
	}
	return hooks
}

// close runs the shutdown hooks outside the daemon.
func (a *app) close(ctx context.Context) {
	for _, h := range a.shutdownHooks() {
		if err := h.Fn(ctx); err != nil {
			a.log.Warn("shutdown hook failed", logger.F("hook", h.Name), logger.Err(err))
		}
	}
}

func (a *app) daemon() *daemon.Daemon {
	return daemon.New(a.log, a.maintenance, daemon.Config{
		Schedule:        a.cfg.Daemon.Schedule,
		HTTPAddr:        a.cfg.Server.Addr,
		Handler:         a.handler,
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		ShutdownHooks:   a.shutdownHooks(),
	})
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}
