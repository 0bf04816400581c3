// Package notifier delivers audit summaries to live subscribers: browser
// sockets, webhooks, Slack and Redis.
package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Multi broadcasts to several targets, collecting errors.
type Multi struct {
	mu      sync.RWMutex
	targets []core.Broadcaster
}

// NewMulti creates a broadcaster over every non-nil target.
func NewMulti(targets ...core.Broadcaster) *Multi {
	m := &Multi{}
	for _, t := range targets {
		m.Add(t)
	}
	return m
}

// Add attaches another target.
func (m *Multi) Add(t core.Broadcaster) {
	if t == nil {
		return
	}
	m.mu.Lock()
	m.targets = append(m.targets, t)
	m.mu.Unlock()
}

// Len reports how many targets are attached.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.targets)
}

// Broadcast sends s to every target. One failing target does not stop
// the rest.
func (m *Multi) Broadcast(ctx context.Context, s core.AuditSummary) error {
	m.mu.RLock()
	targets := make([]core.Broadcaster, len(m.targets))
	copy(targets, m.targets)
	m.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		if err := t.Broadcast(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// actionFilter matches audit actions. An empty filter matches everything.
type actionFilter map[string]struct{}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return nil
	}
	f := make(actionFilter, len(actions))
	for _, a := range actions {
		f[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	return f
}

func (f actionFilter) match(action string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[action]
	return ok
}

var _ core.Broadcaster = (*Multi)(nil)
