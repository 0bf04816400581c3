// Package files manages stored uploads after they have been accepted.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// Service lists, downloads, deletes and protects stored files.
type Service struct {
	files core.FileRepository
	blobs core.BlobStore
	log   logger.Logger
}

// NewService creates a file service.
func NewService(files core.FileRepository, blobs core.BlobStore, log logger.Logger) *Service {
	return &Service{files: files, blobs: blobs, log: logger.OrNop(log)}
}

// List returns every ACTIVE file, newest first.
func (s *Service) List(ctx context.Context) ([]core.UploadedFile, error) {
	return s.files.FilesByStatus(ctx, core.StatusActive)
}

// Get returns one file in any status.
func (s *Service) Get(ctx context.Context, id string) (core.UploadedFile, error) {
	return s.files.FileByID(ctx, id)
}

// ByStatus lists files with the named status. Unknown names are
// ErrInvalidInput.
func (s *Service) ByStatus(ctx context.Context, status string) ([]core.UploadedFile, error) {
	st, err := core.ParseFileStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: status %q", core.ErrInvalidInput, status)
	}
	return s.files.FilesByStatus(ctx, st)
}

// ByExtension lists ACTIVE files with the given extension.
func (s *Service) ByExtension(ctx context.Context, ext string) ([]core.UploadedFile, error) {
	ext = core.NormalizeExtension(ext)
	if ext == "" {
		return nil, fmt.Errorf("%w: empty extension", core.ErrInvalidInput)
	}
	return s.files.FilesByExtension(ctx, ext, core.StatusActive)
}

// Counts reports how many files are ACTIVE and DELETED.
func (s *Service) Counts(ctx context.Context) (active, deleted int64, err error) {
	if active, err = s.files.CountByStatus(ctx, core.StatusActive); err != nil {
		return 0, 0, err
	}
	if deleted, err = s.files.CountByStatus(ctx, core.StatusDeleted); err != nil {
		return 0, 0, err
	}
	return active, deleted, nil
}

// Delete removes the file's bytes and marks it DELETED. Deleting a file
// that is already DELETED succeeds without side effects. A failed byte
// removal is logged and does not keep the file ACTIVE.
func (s *Service) Delete(ctx context.Context, id string) (core.UploadedFile, error) {
	f, err := s.files.FileByID(ctx, id)
	if err != nil {
		return core.UploadedFile{}, err
	}
	if f.Status == core.StatusDeleted {
		return f, nil
	}

	if err := s.blobs.Delete(ctx, f.StoragePath); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.log.Warn("blob delete failed",
			logger.F("id", f.ID),
			logger.F("locator", f.StoragePath),
			logger.Err(err))
	}

	deleted, err := s.files.MarkDeleted(ctx, id)
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("marking %s deleted: %w", id, err)
	}
	s.log.Info("file deleted",
		logger.F("id", deleted.ID),
		logger.F("filename", deleted.OriginalFilename))
	return deleted, nil
}

// SetProtected toggles the file's exemption from cascade deletion.
func (s *Service) SetProtected(ctx context.Context, id string, protected bool) (core.UploadedFile, error) {
	f, err := s.files.SetProtected(ctx, id, protected)
	if err != nil {
		return core.UploadedFile{}, err
	}
	s.log.Info("file protection changed",
		logger.F("id", f.ID),
		logger.F("protected", protected))
	return f, nil
}

// Open returns the file and a reader for its bytes. Only ACTIVE files
// can be read; anything else is ErrNotFound.
func (s *Service) Open(ctx context.Context, id string) (core.UploadedFile, io.ReadCloser, error) {
	f, err := s.files.FileByID(ctx, id)
	if err != nil {
		return core.UploadedFile{}, nil, err
	}
	if f.Status != core.StatusActive {
		return core.UploadedFile{}, nil, fmt.Errorf("%w: file %s is %s", core.ErrNotFound, id, f.Status)
	}
	rc, err := s.blobs.Open(ctx, f.StoragePath)
	if err != nil {
		return core.UploadedFile{}, nil, err
	}
	return f, rc, nil
}
