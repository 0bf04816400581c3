package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// checkName accepts a single path element.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: blob name %q", core.ErrInvalidInput, name)
	}
	return nil
}

// resolve maps a locator to an absolute path under root. It rejects
// absolute locators, parent references and symlinked components.
func (l *Local) resolve(locator string) (string, error) {
	if locator == "" || strings.ContainsAny(locator, "\\\x00") || path.IsAbs(locator) {
		return "", fmt.Errorf("%w: locator %q", core.ErrInvalidInput, locator)
	}
	clean := path.Clean(locator)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: locator %q escapes the blob root", core.ErrInvalidInput, locator)
	}

	full := filepath.Join(l.root, filepath.FromSlash(clean))
	if !isPathOrChild(full, l.root) {
		return "", fmt.Errorf("%w: locator %q escapes the blob root", core.ErrInvalidInput, locator)
	}
	if err := noSymlinks(l.root, full); err != nil {
		return "", err
	}
	return full, nil
}

// noSymlinks fails if any existing component between root and target is
// a symlink. Components that do not exist yet are fine.
func noSymlinks(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	cur := root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking %s: %w", cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink in blob path %s", core.ErrInvalidInput, cur)
		}
	}
	return nil
}

// isPathOrChild reports whether p is base or below it, without the
// "/data/a" vs "/data/abc" prefix trap.
func isPathOrChild(p, base string) bool {
	p = filepath.Clean(p)
	base = filepath.Clean(base)
	if p == base {
		return true
	}
	if !strings.HasSuffix(base, string(filepath.Separator)) {
		base += string(filepath.Separator)
	}
	return strings.HasPrefix(p, base)
}
