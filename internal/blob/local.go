// Package blob stores uploaded file bytes on the local filesystem or in
// S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
	"github.com/ChrisB0-2/extension-guard/internal/trash"
)

// Local keeps blobs under root in yyyy/MM/dd directories. Locators are
// slash-separated paths relative to root.
type Local struct {
	root       string
	quarantine *trash.Manager
	now        func() time.Time
	log        logger.Logger
}

// NewLocal creates root if needed. q may be nil to delete bytes outright
// on Quarantine.
func NewLocal(root string, q *trash.Manager, log logger.Logger) (*Local, error) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolving blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &Local{root: abs, quarantine: q, now: time.Now, log: logger.OrNop(log)}, nil
}

// Root returns the absolute blob root.
func (l *Local) Root() string {
	return l.root
}

// Put writes r under today's directory as name and returns the locator.
// Existing blobs are never overwritten.
func (l *Local) Put(_ context.Context, name string, r io.Reader, size int64, _ string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	locator := l.now().UTC().Format("2006/01/02") + "/" + name

	path, err := l.resolve(locator)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}
	// re-check now that the directories exist
	if err := noSymlinks(l.root, path); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: blob %s", core.ErrAlreadyExists, locator)
		}
		return "", fmt.Errorf("creating blob: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write: wrote %d of %d bytes", n, size)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("writing blob: %w", err)
	}

	l.log.Debug("blob stored", logger.F("locator", locator), logger.F("bytes", n))
	return locator, nil
}

// Open returns a reader for the blob at locator.
func (l *Local) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	path, err := l.resolve(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob at locator.
func (l *Local) Delete(_ context.Context, locator string) error {
	path, err := l.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.ErrNotFound
		}
		return fmt.Errorf("deleting blob: %w", err)
	}
	l.log.Debug("blob deleted", logger.F("locator", locator))
	return nil
}

// Quarantine moves the blob aside when a quarantine directory is
// configured and deletes it otherwise.
func (l *Local) Quarantine(ctx context.Context, locator, reason string) error {
	if l.quarantine == nil {
		return l.Delete(ctx, locator)
	}
	path, err := l.resolve(locator)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return core.ErrNotFound
	}
	if _, err := l.quarantine.Move(path, locator, reason); err != nil {
		return err
	}
	return nil
}

var (
	_ core.BlobStore   = (*Local)(nil)
	_ core.Quarantiner = (*Local)(nil)
)
