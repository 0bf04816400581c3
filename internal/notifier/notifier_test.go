package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

type mockBroadcaster struct {
	id    string
	calls *[]string
	err   error
}

func (m *mockBroadcaster) Broadcast(context.Context, core.AuditSummary) error {
	*m.calls = append(*m.calls, m.id)
	return m.err
}

func TestMulti(t *testing.T) {
	var calls []string
	multi := NewMulti(&mockBroadcaster{id: "n1", calls: &calls}, nil)
	multi.Add(&mockBroadcaster{id: "n2", calls: &calls})
	multi.Add(nil)

	if multi.Len() != 2 {
		t.Errorf("Len = %d, want 2", multi.Len())
	}
	if err := multi.Broadcast(context.Background(), blockedSummary()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "n1" || calls[1] != "n2" {
		t.Errorf("expected calls from n1 and n2, got %v", calls)
	}
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	multi := NewMulti(
		&mockBroadcaster{id: "bad", calls: &calls, err: boom},
		&mockBroadcaster{id: "good", calls: &calls},
	)

	err := multi.Broadcast(context.Background(), blockedSummary())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want both targets", calls)
	}
}

func TestActionFilter(t *testing.T) {
	var empty actionFilter = newActionFilter(nil)
	if !empty.match("ANYTHING") {
		t.Error("empty filter should match everything")
	}
	f := newActionFilter([]string{" upload_blocked "})
	if !f.match("UPLOAD_BLOCKED") {
		t.Error("filter should match normalized action")
	}
	if f.match("UPLOAD_SUCCESS") {
		t.Error("filter should not match other actions")
	}
}

