// Package trash sets aside the bytes of files removed by a cascade
// instead of destroying them, and purges them once they age out.
package trash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

const metaSuffix = ".meta"

// Manager moves blobs into a quarantine directory.
type Manager struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
	log    logger.Logger
}

// Config configures the quarantine manager.
type Config struct {
	// Dir receives quarantined blobs. Empty disables quarantine.
	Dir string

	// MaxAge after which quarantined blobs are purged. Zero keeps them.
	MaxAge time.Duration
}

// Meta is the sidecar written next to every quarantined blob.
type Meta struct {
	Locator       string    `yaml:"locator"`
	Reason        string    `yaml:"reason"`
	Size          int64     `yaml:"size"`
	QuarantinedAt time.Time `yaml:"quarantined_at"`
}

// Item is one quarantined blob.
type Item struct {
	Path string
	Name string
	Size int64
	Meta Meta
}

// New creates a manager. It returns nil when quarantine is disabled.
func New(cfg Config, log logger.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", err)
	}
	return &Manager{
		dir:    cfg.Dir,
		maxAge: cfg.MaxAge,
		now:    time.Now,
		log:    logger.OrNop(log),
	}, nil
}

// Dir returns the quarantine directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Move relocates the blob at path into quarantine. locator is recorded
// in the sidecar. It returns the new path.
func (m *Manager) Move(path, locator, reason string) (string, error) {
	if m == nil {
		return "", errors.New("quarantine disabled")
	}

	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("stat failed: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", path)
	}

	now := m.now()
	name := quarantineName(now, locator)
	dst := filepath.Join(m.dir, name)

	if err := os.Rename(path, dst); err != nil {
		// cross-device rename
		if err := copyAndDelete(path, dst, info.Mode()); err != nil {
			return "", fmt.Errorf("move to quarantine failed: %w", err)
		}
	}

	meta := Meta{Locator: locator, Reason: reason, Size: info.Size(), QuarantinedAt: now.UTC()}
	if data, err := yaml.Marshal(meta); err == nil {
		if err := os.WriteFile(dst+metaSuffix, data, 0o644); err != nil {
			m.log.Warn("failed to write quarantine metadata", logger.F("path", dst), logger.Err(err))
		}
	}

	m.log.Debug("moved to quarantine", logger.F("locator", locator), logger.F("path", dst))
	return dst, nil
}

// Cleanup purges quarantined blobs older than MaxAge. It returns the
// number of blobs removed and the bytes freed.
func (m *Manager) Cleanup(ctx context.Context) (count int, bytesFreed int64, err error) {
	if m == nil || m.maxAge == 0 {
		return 0, 0, nil
	}

	cutoff := m.now().Add(-m.maxAge)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("reading quarantine directory: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return count, bytesFreed, ctx.Err()
		}
		if entry.IsDir() || strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !m.quarantinedAt(path, info).Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("failed to purge quarantined blob", logger.F("path", path), logger.Err(err))
			continue
		}
		_ = os.Remove(path + metaSuffix)

		count++
		bytesFreed += info.Size()
	}

	if count > 0 {
		m.log.Info("quarantine cleanup completed", logger.F("items_removed", count), logger.F("bytes_freed", bytesFreed))
	}
	return count, bytesFreed, nil
}

// List returns the quarantined blobs, oldest first.
func (m *Manager) List() ([]Item, error) {
	if m == nil {
		return nil, nil
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading quarantine directory: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		item := Item{Path: path, Name: entry.Name(), Size: info.Size()}
		if meta, err := readMeta(path); err == nil {
			item.Meta = meta
		} else {
			item.Meta.QuarantinedAt = info.ModTime()
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Meta.QuarantinedAt.Before(items[j].Meta.QuarantinedAt)
	})
	return items, nil
}

// quarantinedAt prefers the sidecar timestamp; rename keeps the original
// mod time so the file's own mtime says nothing about quarantine age.
func (m *Manager) quarantinedAt(path string, info fs.FileInfo) time.Time {
	if meta, err := readMeta(path); err == nil && !meta.QuarantinedAt.IsZero() {
		return meta.QuarantinedAt
	}
	return info.ModTime()
}

func readMeta(path string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return meta, err
	}
	err = yaml.Unmarshal(data, &meta)
	return meta, err
}

// quarantineName is YYYYMMDD-HHMMSS_hash_base so entries never collide.
func quarantineName(now time.Time, locator string) string {
	h := sha256.Sum256([]byte(locator + now.String()))
	base := strings.ReplaceAll(filepath.Base(filepath.FromSlash(locator)), string(os.PathSeparator), "_")
	if len(base) > 100 {
		base = base[:100]
	}
	return fmt.Sprintf("%s_%s_%s", now.Format("20060102-150405"), hex.EncodeToString(h[:])[:8], base)
}

func copyAndDelete(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
