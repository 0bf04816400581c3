package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// decode parses every JSON line written to buf.
func decode(t *testing.T, buf *bytes.Buffer) []logEntry {
	t.Helper()
	var out []logEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e logEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line is not JSON: %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestParseLevelAndFormat(t *testing.T) {
	levels := map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "warn": LevelWarn,
		"warning": LevelWarn, "Error": LevelError,
	}
	for in, want := range levels {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "verbose"} {
		if got, err := ParseLevel(bad); err == nil || got != LevelInfo {
			t.Errorf("ParseLevel(%q) = %v, %v; want info with error", bad, got, err)
		}
	}

	formats := map[string]Format{"": FormatJSON, "json": FormatJSON, "TEXT": FormatText, "console": FormatText}
	for in, want := range formats {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}

	for lvl, want := range map[Level]string{LevelDebug: "debug", LevelError: "error", Level(42): "unknown"} {
		if lvl.String() != want {
			t.Errorf("Level(%d).String() = %q", lvl, lvl.String())
		}
	}
}

func TestThreshold(t *testing.T) {
	emit := []func(Logger){
		func(l Logger) { l.Debug("d") },
		func(l Logger) { l.Info("i") },
		func(l Logger) { l.Warn("w") },
		func(l Logger) { l.Error("e") },
	}
	for _, threshold := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		var buf bytes.Buffer
		l := New(threshold, &buf)
		for _, fn := range emit {
			fn(l)
		}
		entries := decode(t, &buf)
		if want := 4 - int(threshold); len(entries) != want {
			t.Errorf("threshold %s: got %d lines, want %d", threshold, len(entries), want)
			continue
		}
		if entries[0].Level != threshold.String() {
			t.Errorf("threshold %s: first line level = %q", threshold, entries[0].Level)
		}
	}
}

func TestJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	l.Info("upload stored",
		F("filename", "report.pdf"),
		F("size", 2048),
		F("blocked", false),
		F("ratio", 0.5),
		F("locator", nil))
	l.Info("bare")

	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatal("lines must end with a newline")
	}
	entries := decode(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d lines", len(entries))
	}

	e := entries[0]
	if e.Level != "info" || e.Message != "upload stored" || e.Time == "" {
		t.Errorf("envelope = %+v", e)
	}
	want := map[string]any{"filename": "report.pdf", "size": float64(2048), "blocked": false, "ratio": 0.5, "locator": nil}
	for k, v := range want {
		if got, ok := e.Fields[k]; !ok || got != v {
			t.Errorf("fields[%s] = %v, want %v", k, got, v)
		}
	}

	var raw map[string]any
	line := strings.SplitAfter(buf.String(), "\n")[1]
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["fields"]; ok {
		t.Error("fields key should be omitted when there are none")
	}
}

func TestTextLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithFormat(LevelInfo, FormatText, &buf)

	l.WithFields(F("component", "upload")).Warn("blob write failed", F("file", "a b.txt"), F("size", 3), F("note", ""))

	line := buf.String()
	for _, want := range []string{" WARN blob write failed", "component=upload", `file="a b.txt"`, "size=3", `note=""`} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %q in %q", want, line)
		}
	}
	if strings.Index(line, "component=") > strings.Index(line, "file=") {
		t.Errorf("keys should be sorted: %q", line)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	root := New(LevelDebug, &buf)

	cascade := root.WithFields(F("cascade_id", "c-1"), F("extension", "exe"))
	cascade.WithFields(F("file_id", "f-9")).Debug("file removed", F("extension", "EXE"))
	root.Info("unrelated")

	entries := decode(t, &buf)
	f := entries[0].Fields
	if f["cascade_id"] != "c-1" || f["file_id"] != "f-9" {
		t.Errorf("inherited fields missing: %v", f)
	}
	if f["extension"] != "EXE" {
		t.Errorf("call-site field should win, got %v", f["extension"])
	}
	if len(entries[1].Fields) != 0 {
		t.Errorf("parent gained child fields: %v", entries[1].Fields)
	}
}

func TestSetLevelReachesChildren(t *testing.T) {
	var buf bytes.Buffer
	root := New(LevelDebug, &buf)
	child := root.WithFields(F("k", "v"))

	child.Debug("before")
	root.SetLevel(LevelError)
	child.Warn("suppressed")
	root.Info("suppressed")

	if entries := decode(t, &buf); len(entries) != 1 || entries[0].Message != "before" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	const workers, each = 8, 40
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			child := l.WithFields(F("worker", w))
			for i := 0; i < each; i++ {
				child.Info("sweep", F("i", i))
			}
		}(w)
	}
	wg.Wait()

	if got := len(decode(t, &buf)); got != workers*each {
		t.Errorf("got %d lines, want %d", got, workers*each)
	}
}

func TestConstructorsAndNop(t *testing.T) {
	if l := New(LevelInfo, nil); l.output == nil {
		t.Error("nil output should fall back to stderr")
	}
	if l := NewWithFormat(LevelWarn, "", nil); l.format != FormatJSON || *l.level != LevelWarn {
		t.Errorf("NewWithFormat defaults = %s/%s", l.format, *l.level)
	}
	if l := NewDefault(); *l.level != LevelInfo {
		t.Errorf("NewDefault level = %s", *l.level)
	}

	nop := NewNop()
	nop.Error("dropped")
	if _, ok := nop.WithFields(F("a", 1)).(NopLogger); !ok {
		t.Error("Nop children should stay Nop")
	}
	if _, ok := OrNop(nil).(NopLogger); !ok {
		t.Error("OrNop(nil) should be Nop")
	}
	sl := New(LevelInfo, &bytes.Buffer{})
	if OrNop(sl) != Logger(sl) {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}

func TestErr(t *testing.T) {
	if f := Err(nil); f.Key != "error" || f.Value != "" {
		t.Errorf("Err(nil) = %+v", f)
	}
	wrapped := errors.Join(errors.New("quarantine"), errors.New("disk full"))
	if f := Err(wrapped); f.Value != "quarantine\ndisk full" {
		t.Errorf("Err(joined) = %q", f.Value)
	}
}

func TestContext(t *testing.T) {
	var fallbackBuf, reqBuf bytes.Buffer
	fallback := New(LevelInfo, &fallbackBuf)
	req := New(LevelInfo, &reqBuf).WithFields(F("request_id", "r-1"))

	FromContext(context.Background(), fallback).Info("no request logger")
	FromContext(NewContext(context.Background(), req), fallback).Info("tagged")

	if got := decode(t, &fallbackBuf); len(got) != 1 || got[0].Message != "no request logger" {
		t.Errorf("fallback lines = %+v", got)
	}
	got := decode(t, &reqBuf)
	if len(got) != 1 || got[0].Fields["request_id"] != "r-1" {
		t.Errorf("request lines = %+v", got)
	}

	if _, ok := FromContext(context.Background(), nil).(NopLogger); !ok {
		t.Error("missing logger and nil fallback should give Nop")
	}
}
