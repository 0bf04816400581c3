package auditor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// JSONL appends one JSON object per stored audit entry. It mirrors the
// durable log into a file that is easy to ship elsewhere.
type JSONL struct {
	mu       sync.Mutex
	f        *os.File
	writeErr error // first write error encountered
}

func NewJSONL(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &JSONL{f: f}, nil
}

func (a *JSONL) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Err returns the first write error encountered, if any.
func (a *JSONL) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeErr
}

// Write appends e as one line.
func (a *JSONL) Write(_ context.Context, e core.AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	type wire struct {
		core.AuditSummary
		UserAgent string `json:"userAgent,omitempty"`
	}
	b, err := json.Marshal(wire{AuditSummary: core.Summarize(e), UserAgent: e.UserAgent})

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.keep(err)
		return err
	}
	if a.f == nil {
		return os.ErrClosed
	}
	if _, err := a.f.Write(append(b, '\n')); err != nil {
		a.keep(err)
		return err
	}
	return nil
}

func (a *JSONL) keep(err error) {
	if a.writeErr == nil {
		a.writeErr = err
	}
}

var _ Writer = (*JSONL)(nil)
