// Package api exposes the rule administration, upload, file and audit
// operations over HTTP.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/executor"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
	"github.com/ChrisB0-2/extension-guard/internal/policy"
	"github.com/ChrisB0-2/extension-guard/internal/rules"
	"github.com/ChrisB0-2/extension-guard/internal/upload"
	"github.com/ChrisB0-2/extension-guard/internal/validator"
)

// RuleService is the rule administration surface.
type RuleService interface {
	Limits() core.RuleLimits
	ListFixed(ctx context.Context) ([]core.FixedRule, error)
	SetFixedBlocked(ctx context.Context, name string, blocked bool) (rules.FixedChange, error)
	ListCustom(ctx context.Context) ([]core.CustomRule, error)
	AddCustom(ctx context.Context, raw string) (rules.CustomChange, error)
	DeleteCustom(ctx context.Context, id string) error
}

// Previewer answers filename check queries.
type Previewer interface {
	Preview(ctx context.Context, filename string, override *policy.FixedOverride) (validator.Preview, error)
}

// Uploader runs uploads and validate-only checks.
type Uploader interface {
	Handle(ctx context.Context, req upload.Request) (upload.Result, error)
	Check(ctx context.Context, req upload.Request) (core.ValidationResult, error)
}

// FileService manages stored files.
type FileService interface {
	List(ctx context.Context) ([]core.UploadedFile, error)
	Get(ctx context.Context, id string) (core.UploadedFile, error)
	ByStatus(ctx context.Context, status string) ([]core.UploadedFile, error)
	ByExtension(ctx context.Context, ext string) ([]core.UploadedFile, error)
	Delete(ctx context.Context, id string) (core.UploadedFile, error)
	SetProtected(ctx context.Context, id string, protected bool) (core.UploadedFile, error)
	Open(ctx context.Context, id string) (core.UploadedFile, io.ReadCloser, error)
}

// AuditQuery pages through blocked audit entries.
type AuditQuery interface {
	QueryBlocked(ctx context.Context, page core.PageRequest) (core.AuditPage, error)
}

// CascadeLookup finds cascade tasks by id.
type CascadeLookup interface {
	Task(id string) (*executor.Task, bool)
}

// Config wires the server's collaborators. LiveAudit and Metrics are
// optional.
type Config struct {
	Rules     RuleService
	Previewer Previewer
	Uploads   Uploader
	Files     FileService
	Audit     AuditQuery
	Cascades  CascadeLookup
	LiveAudit http.Handler
	Metrics   http.Handler

	Messages        core.Messages
	MaxUploadBytes  int64
	DefaultPageSize int
	MaxPageSize     int
}

// Server holds the HTTP handlers.
type Server struct {
	cfg     Config
	log     logger.Logger
	metrics core.Metrics
}

// New creates a server. Nil logger and metrics fall back to no-ops.
func New(cfg Config, log logger.Logger, m core.Metrics) *Server {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 10
	}
	if cfg.Messages == (core.Messages{}) {
		cfg.Messages = core.DefaultMessages()
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	return &Server{cfg: cfg, log: logger.OrNop(log), metrics: metrics.OrNoop(m)}
}

// Router builds the chi router for every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Route("/api", func(r chi.Router) {
		r.Route("/extensions", func(r chi.Router) {
			r.Get("/fixed", s.listFixed)
			r.Put("/fixed/{extension}", s.setFixed)
			r.Get("/custom", s.listCustom)
			r.Post("/custom", s.addCustom)
			r.Delete("/custom/{id}", s.deleteCustom)
			r.Get("/check", s.checkFilename)
		})
		r.Get("/cascades/{id}", s.cascadeStatus)

		r.Post("/upload/file", s.uploadFile)
		r.Post("/upload/check", s.checkUpload)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.listFiles)
			r.Get("/status/{status}", s.filesByStatus)
			r.Get("/extension/{extension}", s.filesByExtension)
			r.Get("/{id}", s.getFile)
			r.Get("/{id}/download", s.downloadFile)
			r.Delete("/{id}", s.deleteFile)
			r.Put("/{id}/protection", s.setProtection)
		})

		r.Get("/audit/blocked", s.blockedAudit)
	})

	if s.cfg.LiveAudit != nil {
		r.Handle("/ws/audit", s.cfg.LiveAudit)
	}
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics)
	}
	return r
}
