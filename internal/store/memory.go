// Package store persists extension rules and uploaded file metadata.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Memory keeps rules and file records in process memory.
type Memory struct {
	mu     sync.RWMutex
	fixed  map[string]core.FixedRule
	custom map[string]core.CustomRule // by id
	files  map[string]core.UploadedFile
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		fixed:  make(map[string]core.FixedRule),
		custom: make(map[string]core.CustomRule),
		files:  make(map[string]core.UploadedFile),
		now:    time.Now,
	}
}

// Fixed rules

func (m *Memory) FixedRuleByName(_ context.Context, name string) (core.FixedRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.fixed[name]
	if !ok {
		return core.FixedRule{}, core.ErrNotFound
	}
	return r, nil
}

func (m *Memory) FixedRules(_ context.Context) ([]core.FixedRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.FixedRule, 0, len(m.fixed))
	for _, r := range m.fixed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out, nil
}

func (m *Memory) BlockedFixedNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, r := range m.fixed {
		if r.Blocked {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SaveFixedRule(_ context.Context, rule core.FixedRule) (core.FixedRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.fixed[rule.Extension]; ok {
		rule.CreatedAt = prev.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	m.fixed[rule.Extension] = rule
	return rule, nil
}

// Custom rules

func (m *Memory) CustomRules(_ context.Context) ([]core.CustomRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.CustomRule, 0, len(m.custom))
	for _, r := range m.custom {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out, nil
}

func (m *Memory) CustomRuleByID(_ context.Context, id string) (core.CustomRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.custom[id]
	if !ok {
		return core.CustomRule{}, core.ErrNotFound
	}
	return r, nil
}

func (m *Memory) CustomRuleExists(_ context.Context, extension string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customExistsLocked(extension), nil
}

func (m *Memory) CountCustomRules(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.custom), nil
}

func (m *Memory) CreateCustomRule(_ context.Context, rule core.CustomRule) (core.CustomRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.customExistsLocked(rule.Extension) {
		return core.CustomRule{}, core.ErrAlreadyExists
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := m.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	m.custom[rule.ID] = rule
	return rule, nil
}

func (m *Memory) DeleteCustomRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.custom[id]; !ok {
		return core.ErrNotFound
	}
	delete(m.custom, id)
	return nil
}

func (m *Memory) customExistsLocked(extension string) bool {
	for _, r := range m.custom {
		if r.Extension == extension {
			return true
		}
	}
	return false
}

// Files

func (m *Memory) CreateFile(_ context.Context, f core.UploadedFile) (core.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, ok := m.files[f.ID]; ok {
		return core.UploadedFile{}, core.ErrAlreadyExists
	}
	for _, existing := range m.files {
		if existing.StoredFilename == f.StoredFilename {
			return core.UploadedFile{}, core.ErrAlreadyExists
		}
	}
	if f.Status == "" {
		f.Status = core.StatusActive
	}
	now := m.now()
	f.CreatedAt, f.UpdatedAt = now, now
	m.files[f.ID] = f
	return f, nil
}

func (m *Memory) FileByID(_ context.Context, id string) (core.UploadedFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return core.UploadedFile{}, core.ErrNotFound
	}
	return f, nil
}

func (m *Memory) FileByStoredName(_ context.Context, storedName string) (core.UploadedFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.StoredFilename == storedName {
			return f, nil
		}
	}
	return core.UploadedFile{}, core.ErrNotFound
}

func (m *Memory) FilesByExtension(_ context.Context, extension string, status core.FileStatus) ([]core.UploadedFile, error) {
	return m.filter(func(f core.UploadedFile) bool {
		return f.Extension == extension && f.Status == status
	}), nil
}

func (m *Memory) FilesByStatus(_ context.Context, status core.FileStatus) ([]core.UploadedFile, error) {
	return m.filter(func(f core.UploadedFile) bool { return f.Status == status }), nil
}

func (m *Memory) CountByStatus(_ context.Context, status core.FileStatus) (int64, error) {
	return int64(len(m.filter(func(f core.UploadedFile) bool { return f.Status == status }))), nil
}

func (m *Memory) MarkDeleted(_ context.Context, id string) (core.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return core.UploadedFile{}, core.ErrNotFound
	}
	if f.Status == core.StatusDeleted {
		return f, nil
	}
	f.Status = core.StatusDeleted
	f.UpdatedAt = m.now()
	m.files[id] = f
	return f, nil
}

func (m *Memory) MarkDeletedUnlessProtected(_ context.Context, id string) (core.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Status != core.StatusActive {
		return core.UploadedFile{}, core.ErrNotFound
	}
	if f.Protected {
		return core.UploadedFile{}, core.ErrProtected
	}
	f.Status = core.StatusDeleted
	f.UpdatedAt = m.now()
	m.files[id] = f
	return f, nil
}

func (m *Memory) SetProtected(_ context.Context, id string, protected bool) (core.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return core.UploadedFile{}, core.ErrNotFound
	}
	f.Protected = protected
	f.UpdatedAt = m.now()
	m.files[id] = f
	return f, nil
}

// filter returns matching files, newest first.
func (m *Memory) filter(keep func(core.UploadedFile) bool) []core.UploadedFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.UploadedFile, 0)
	for _, f := range m.files {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var (
	_ core.RuleRepository = (*Memory)(nil)
	_ core.FileRepository = (*Memory)(nil)
)
