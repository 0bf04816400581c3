package auditor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// MemoryLog keeps audit entries in process memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []core.AuditEntry
	nextID  int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory audit log.
func NewMemory() *MemoryLog {
	return &MemoryLog{nextID: 1, now: time.Now}
}

func (m *MemoryLog) Append(_ context.Context, e core.AuditEntry) (core.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	e.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemoryLog) QueryBlocked(_ context.Context, page core.PageRequest) (core.AuditPage, error) {
	page = normalizePage(page)

	m.mu.Lock()
	blocked := make([]core.AuditEntry, 0)
	for _, e := range m.entries {
		if e.Blocked {
			blocked = append(blocked, e)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(blocked, func(i, j int) bool {
		if blocked[i].Time.Equal(blocked[j].Time) {
			return blocked[i].ID > blocked[j].ID
		}
		return blocked[i].Time.After(blocked[j].Time)
	})

	out := core.AuditPage{Page: page.Page, Size: page.Size, Total: int64(len(blocked)), Entries: []core.AuditEntry{}}
	start, ok := page.Offset()
	if ok && start < len(blocked) {
		end := start + page.Size
		if end > len(blocked) {
			end = len(blocked)
		}
		out.Entries = append(out.Entries, blocked[start:end]...)
	}
	return out, nil
}

// Entries returns a copy of every entry in append order.
func (m *MemoryLog) Entries() []core.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.AuditEntry(nil), m.entries...)
}

var _ core.AuditLog = (*MemoryLog)(nil)
