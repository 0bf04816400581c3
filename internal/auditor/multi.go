package auditor

import (
	"context"
	"errors"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Writer receives stored audit entries in addition to the durable log.
type Writer interface {
	Write(ctx context.Context, e core.AuditEntry) error
}

// Multi writes audit entries to multiple writers.
type Multi struct {
	writers []Writer
}

// NewMulti creates a writer that fans out to every non-nil writer.
func NewMulti(writers ...Writer) *Multi {
	m := &Multi{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

// Len reports how many writers are attached.
func (m *Multi) Len() int {
	return len(m.writers)
}

// Write writes the entry to all writers and joins their errors.
func (m *Multi) Write(ctx context.Context, e core.AuditEntry) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Writer = (*Multi)(nil)
