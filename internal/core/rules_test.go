package core

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeExtension(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PDF", "pdf"},
		{".pdf", "pdf"},
		{"  .Pdf ", "pdf"},
		{"pdf", "pdf"},
		{"", ""},
		{".", ""},
		{"..exe", ".exe"},
	}
	for _, tt := range tests {
		if got := NormalizeExtension(tt.in); got != tt.want {
			t.Errorf("NormalizeExtension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRuleLimits_CheckExtension(t *testing.T) {
	l := DefaultRuleLimits()
	tests := []struct {
		ext     string
		wantErr bool
	}{
		{"zip", false},
		{"tar", false},
		{strings.Repeat("a", 20), false},
		{strings.Repeat("a", 21), true},
		{"", true},
		{"tar.gz", true},
		{"a/b", true},
		{"a b", true},
		{`a\b`, true},
	}
	for _, tt := range tests {
		err := l.CheckExtension(tt.ext)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckExtension(%q) err = %v, wantErr %v", tt.ext, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidExtension) {
			t.Errorf("CheckExtension(%q) err = %v, want ErrInvalidExtension", tt.ext, err)
		}
	}
}

func TestDefaultRuleLimits(t *testing.T) {
	l := DefaultRuleLimits()
	if l.MaxCustomRules != 200 || l.MaxExtensionLength != 20 || l.MaxFileSize != 104857600 {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	for _, name := range []string{"bat", "cmd", "com", "cpl", "exe", "scr", "js"} {
		if !l.IsFixed(name) {
			t.Errorf("expected %q to be fixed", name)
		}
	}
	if l.IsFixed("pdf") {
		t.Error("pdf should not be fixed")
	}

	// the copy must not alias the package default
	l.FixedExtensions[0] = "xxx"
	if DefaultFixedExtensions[0] != "bat" {
		t.Fatal("DefaultRuleLimits aliased DefaultFixedExtensions")
	}
}

func TestRuleSnapshot(t *testing.T) {
	snap := NewRuleSnapshot(3, DefaultFixedExtensions, map[string]bool{"exe": true, "bat": false}, []string{"zip", "rar"})

	if snap.Version != 3 {
		t.Errorf("Version = %d, want 3", snap.Version)
	}
	if !snap.IsFixed("js") || snap.Fixed["js"] {
		t.Error("js should be fixed and unblocked when absent from the blocked map")
	}
	if !snap.IsCustom("zip") || snap.IsCustom("exe") {
		t.Error("custom membership wrong")
	}

	got := snap.BlockedExtensions()
	want := []string{"exe", "rar", "zip"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BlockedExtensions() = %v, want %v", got, want)
	}
}

func TestMessages_BlockedText(t *testing.T) {
	m := DefaultMessages()
	if got := m.BlockedText(ReasonBlockedExtension, "exe"); got != "file contains a blocked extension: exe" {
		t.Errorf("BlockedText = %q", got)
	}
	if got := m.BlockedText(ReasonBypassAttempt, "exe"); !strings.HasSuffix(got, ": exe") || got == m.BlockedText(ReasonBlockedExtension, "exe") {
		t.Errorf("bypass text should differ and end with extension, got %q", got)
	}
	if got := m.TooLargeText(10); got != "file size exceeds the maximum allowed size of 10 bytes" {
		t.Errorf("TooLargeText = %q", got)
	}
	m.FileTooLarge = "too big"
	if got := m.TooLargeText(10); got != "too big" {
		t.Errorf("TooLargeText without verb = %q", got)
	}
}

func TestParseFileStatus(t *testing.T) {
	if s, err := ParseFileStatus("active"); err != nil || s != StatusActive {
		t.Errorf("ParseFileStatus(active) = %q, %v", s, err)
	}
	if s, err := ParseFileStatus(" DELETED "); err != nil || s != StatusDeleted {
		t.Errorf("ParseFileStatus(DELETED) = %q, %v", s, err)
	}
	if _, err := ParseFileStatus("gone"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ParseFileStatus(gone) err = %v, want ErrInvalidInput", err)
	}
}

func TestPageRequestOffset(t *testing.T) {
	cases := []struct {
		page   PageRequest
		offset int
		ok     bool
	}{
		{PageRequest{Page: 0, Size: 10}, 0, true},
		{PageRequest{Page: 3, Size: 20}, 60, true},
		{PageRequest{Page: -1, Size: 10}, 0, false},
		{PageRequest{Page: 1, Size: 0}, 0, false},
		{PageRequest{Page: math.MaxInt / 50, Size: 100}, 0, false},
	}
	for _, c := range cases {
		off, ok := c.page.Offset()
		if off != c.offset || ok != c.ok {
			t.Errorf("%+v.Offset() = %d, %v; want %d, %v", c.page, off, ok, c.offset, c.ok)
		}
	}
}
