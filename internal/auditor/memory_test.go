package auditor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

func TestMemoryLog_QueryBlocked(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Append(ctx, core.AuditEntry{Action: core.ActionUploadAttempt, Time: base})
	m.Append(ctx, blockedEntry("old.exe", base.Add(time.Minute)))
	m.Append(ctx, blockedEntry("new.exe", base.Add(2*time.Minute)))

	page, err := m.QueryBlocked(ctx, core.PageRequest{Page: 0, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Entries) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].Filename != "new.exe" {
		t.Errorf("first entry = %s, want new.exe", page.Entries[0].Filename)
	}

	second, _ := m.QueryBlocked(ctx, core.PageRequest{Page: 1, Size: 1})
	if len(second.Entries) != 1 || second.Entries[0].Filename != "old.exe" {
		t.Errorf("second page = %+v", second.Entries)
	}
}

func TestMemoryLog_QueryBlockedHugePage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, blockedEntry("a.exe", time.Now()))

	page, err := m.QueryBlocked(ctx, core.PageRequest{Page: math.MaxInt / 50, Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Entries == nil || len(page.Entries) != 0 {
		t.Errorf("page = %+v, want total 1 and no entries", page)
	}
}

func TestMemoryLog_AssignsIDs(t *testing.T) {
	m := NewMemory()
	a, _ := m.Append(context.Background(), core.AuditEntry{Action: core.ActionUploadAttempt})
	b, _ := m.Append(context.Background(), core.AuditEntry{Action: core.ActionUploadAttempt})
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}
	if a.Time.IsZero() {
		t.Error("Append should default the time")
	}
	if len(m.Entries()) != 2 {
		t.Errorf("Entries = %d, want 2", len(m.Entries()))
	}
}

func TestNormalizePage(t *testing.T) {
	p := normalizePage(core.PageRequest{Page: -3, Size: 0})
	if p.Page != 0 || p.Size != 10 {
		t.Errorf("normalizePage = %+v", p)
	}
}
