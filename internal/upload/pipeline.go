// Package upload runs a single upload from receipt to a stored file or a
// rejection.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/metrics"
	"github.com/ChrisB0-2/extension-guard/internal/policy"
	"github.com/ChrisB0-2/extension-guard/internal/validator"
)

// State is a step of the upload state machine.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateAttemptLogged State = "ATTEMPT_LOGGED"
	StateValidated     State = "VALIDATED"
	StateStored        State = "STORED"
	StateRejected      State = "REJECTED"
	StateFailed        State = "FAILED"
)

// Outcome labels for the upload outcome counter.
const (
	outcomeStored   = "stored"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

const defaultContentType = "application/octet-stream"

// Validator decides whether a file may be stored.
type Validator interface {
	Validate(ctx context.Context, f validator.File) (core.ValidationResult, error)
}

// Request is one incoming upload.
type Request struct {
	Filename    string
	Size        int64
	ContentType string
	Body        io.Reader
	ClientIP    string
	UserAgent   string
}

func (r Request) info() core.UploadInfo {
	return core.UploadInfo{
		Filename:  r.Filename,
		SizeBytes: r.Size,
		ClientIP:  r.ClientIP,
		UserAgent: r.UserAgent,
	}
}

// Result is where an upload ended. File is set only when State is
// StateStored; Verdict is set once validation ran.
type Result struct {
	State   State
	Verdict core.ValidationResult
	File    core.UploadedFile
}

// Pipeline stores allowed uploads and rejects blocked ones, auditing
// every step.
type Pipeline struct {
	validator Validator
	blobs     core.BlobStore
	files     core.FileRepository
	aud       core.Auditor
	newName   func(ext string) string
	log       logger.Logger
	metrics   core.Metrics
}

// New creates a pipeline. Nil logger and metrics fall back to no-ops.
func New(v Validator, blobs core.BlobStore, files core.FileRepository, aud core.Auditor, log logger.Logger, m core.Metrics) *Pipeline {
	return &Pipeline{
		validator: v,
		blobs:     blobs,
		files:     files,
		aud:       aud,
		newName:   storedName,
		log:       logger.OrNop(log),
		metrics:   metrics.OrNoop(m),
	}
}

// Handle runs req through the pipeline. A hard input failure is returned
// as *core.ValidationError with State StateFailed; a blocked verdict is a
// StateRejected result with a nil error.
func (p *Pipeline) Handle(ctx context.Context, req Request) (res Result, err error) {
	res.State = StateReceived
	p.metrics.IncUploadAttempts()

	log := logger.FromContext(ctx, p.log).WithFields(
		logger.F("filename", req.Filename),
		logger.F("size", req.Size),
		logger.F("client_ip", req.ClientIP),
	)
	defer func() {
		switch res.State {
		case StateStored:
			p.metrics.IncUploadOutcome(outcomeStored)
		case StateRejected:
			p.metrics.IncUploadOutcome(outcomeRejected)
		default:
			res.State = StateFailed
			p.metrics.IncUploadOutcome(outcomeFailed)
		}
	}()

	p.record(ctx, core.NewAttemptEntry(req.info()))
	res.State = StateAttemptLogged

	verdict, err := p.validator.Validate(ctx, validator.File{Filename: req.Filename, Size: req.Size})
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			log.Info("upload refused", logger.F("kind", string(verr.Kind)), logger.F("message", verr.Message))
		} else {
			log.Error("upload validation failed", logger.Err(err))
		}
		return res, err
	}
	res.State = StateValidated
	res.Verdict = verdict

	if !verdict.Allowed {
		p.record(ctx, core.NewBlockedEntry(req.info(), verdict))
		log.Info("upload blocked",
			logger.F("extension", verdict.Extension),
			logger.F("reason", string(verdict.Reason)))
		res.State = StateRejected
		return res, nil
	}

	stored, err := p.store(ctx, req)
	if err != nil {
		log.Error("upload storage failed", logger.Err(err))
		return res, err
	}
	res.File = stored
	res.State = StateStored

	p.metrics.AddUploadBytes(stored.SizeBytes)
	p.record(ctx, core.NewSuccessEntry(req.info()))
	log.Info("upload stored",
		logger.F("id", stored.ID),
		logger.F("stored_filename", stored.StoredFilename))
	return res, nil
}

// Check validates req without storing it. Blocked verdicts are audited
// as UPLOAD_BLOCKED; allowed ones leave no trace.
func (p *Pipeline) Check(ctx context.Context, req Request) (core.ValidationResult, error) {
	verdict, err := p.validator.Validate(ctx, validator.File{Filename: req.Filename, Size: req.Size})
	if err != nil {
		return core.ValidationResult{}, err
	}
	if !verdict.Allowed {
		p.record(ctx, core.NewBlockedEntry(req.info(), verdict))
	}
	return verdict, nil
}

// store writes the bytes, then the metadata record. The blob is removed
// again when the record cannot be created.
func (p *Pipeline) store(ctx context.Context, req Request) (core.UploadedFile, error) {
	ext := policy.LastExtension(req.Filename)
	name := p.newName(ext)
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	locator, err := p.blobs.Put(ctx, name, req.Body, req.Size, contentType)
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("storing bytes: %w", err)
	}

	f, err := p.files.CreateFile(ctx, core.UploadedFile{
		OriginalFilename: req.Filename,
		StoredFilename:   name,
		StoragePath:      locator,
		Extension:        ext,
		SizeBytes:        req.Size,
		ContentType:      contentType,
		Status:           core.StatusActive,
	})
	if err != nil {
		if derr := p.blobs.Delete(context.WithoutCancel(ctx), locator); derr != nil && !errors.Is(derr, core.ErrNotFound) {
			logger.FromContext(ctx, p.log).Warn("orphaned blob after failed record creation",
				logger.F("locator", locator),
				logger.Err(derr))
		}
		return core.UploadedFile{}, fmt.Errorf("creating file record: %w", err)
	}
	return f, nil
}

func (p *Pipeline) record(ctx context.Context, e core.AuditEntry) {
	if p.aud == nil {
		return
	}
	p.aud.Record(ctx, e)
}

// storedName returns a collision-free name that keeps a safe form of the
// original extension.
func storedName(ext string) string {
	id := uuid.NewString()
	ext = sanitizeExtension(ext)
	if ext == "" {
		return id
	}
	return id + "." + ext
}

func sanitizeExtension(ext string) string {
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
