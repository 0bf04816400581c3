package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/config"
	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "extension-guard dev" {
		t.Errorf("version output = %q", got)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "frobnicate"`) {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"serve", "-no-such-flag"}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestParseOptions_RecordsExplicitFlags(t *testing.T) {
	o, err := parseOptions("serve", []string{"-addr", ":9999", "-metrics=false"}, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if !o.set["addr"] || !o.set["metrics"] {
		t.Errorf("set = %v, want addr and metrics", o.set)
	}
	if o.set["log-level"] {
		t.Error("log-level should not be marked as set")
	}
	if o.envFile != ".env" {
		t.Errorf("envFile default = %q", o.envFile)
	}

	if _, err := parseOptions("serve", []string{"extra"}, io.Discard); err == nil {
		t.Error("expected error for positional argument")
	}
}

func TestMergeFlags_OnlyExplicit(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true

	o := &options{addr: ":1", metrics: false, set: map[string]bool{"addr": true}}
	mergeFlags(cfg, o)

	if cfg.Server.Addr != ":1" {
		t.Errorf("Addr = %q, want :1", cfg.Server.Addr)
	}
	if !cfg.Metrics.Enabled {
		t.Error("unset -metrics flag must not disable metrics")
	}

	o = &options{metrics: false, schedule: "30m", set: map[string]bool{"metrics": true, "schedule": true}}
	mergeFlags(cfg, o)
	if cfg.Metrics.Enabled {
		t.Error("explicit -metrics=false should disable metrics")
	}
	if cfg.Daemon.Schedule != "30m" {
		t.Errorf("Schedule = %q", cfg.Daemon.Schedule)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extension-guard.yaml")
	yml := `
server:
  addr: ":7000"
storage:
  driver: memory
logging:
  level: warn
audit:
  driver: memory
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EXTGUARD_SERVER_ADDR", ":7100")
	t.Setenv("EXTGUARD_LOGGING_LEVEL", "debug")

	o, err := parseOptions("serve", []string{
		"-config", path,
		"-env-file", filepath.Join(dir, "missing.env"),
		"-log-level", "error",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want file value", cfg.Storage.Driver)
	}
	if cfg.Server.Addr != ":7100" {
		t.Errorf("Server.Addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want flag override", cfg.Logging.Level)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("EXTGUARD_STORAGE_DRIVER", "mongodb")
	o, err := parseOptions("serve", []string{"-env-file", filepath.Join(t.TempDir(), "none")}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(o); err == nil {
		t.Fatal("expected validation error")
	}
}

// testConfig runs entirely inside dir.
func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "local"
	cfg.Blob.LocalRoot = filepath.Join(dir, "uploads")
	cfg.Blob.QuarantineDir = filepath.Join(dir, "quarantine")
	cfg.Audit.Driver = "sqlite"
	cfg.Audit.SQLitePath = filepath.Join(dir, "audit.db")
	cfg.Audit.JSONLPath = filepath.Join(dir, "audit.jsonl")
	cfg.Audit.Retention = 0
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	return cfg
}

func postUpload(t *testing.T, h http.Handler, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload/file", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	rec := postUpload(t, a.handler, "report.pdf", "%PDF-1.4 quarterly numbers")
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postUpload(t, a.handler, "setup.exe", "MZ")
	if rec.Code != http.StatusOK {
		t.Fatalf("exe should be allowed while its fixed rule is off, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/extensions/custom", strings.NewReader(`{"extension":"pdf"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add custom status = %d, body = %s", rec.Code, rec.Body.String())
	}
	a.reactor.Wait()

	entries, err := os.ReadDir(cfg.Blob.QuarantineDir)
	if err != nil {
		t.Fatalf("reading quarantine: %v", err)
	}
	if len(entries) == 0 {
		t.Error("cascade should have moved the pdf into quarantine")
	}

	rec = postUpload(t, a.handler, "again.pdf", "%PDF")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blocked upload status = %d, want 400", rec.Code)
	}

	if err := a.maintenance(ctx); err != nil {
		t.Errorf("maintenance: %v", err)
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "extguard_upload_attempts_total") {
		t.Error("metrics output missing extguard_upload_attempts_total")
	}

	a.close(ctx)

	data, err := os.ReadFile(cfg.Audit.JSONLPath)
	if err != nil {
		t.Fatalf("reading audit mirror: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 3 {
		t.Errorf("audit mirror has %d lines, want at least 3", len(lines))
	}

	// Offline inspection of what the app wrote.
	var stdout, stderr bytes.Buffer
	if code := run([]string{"audit", "query", "-db", cfg.Audit.SQLitePath, "-blocked", "true"}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit query exit = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "again.pdf") {
		t.Errorf("query output missing blocked upload:\n%s", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"audit", "query", "-db", cfg.Audit.SQLitePath, "-json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit query -json exit = %d", code)
	}
	var summaries []core.AuditSummary
	if err := json.Unmarshal(stdout.Bytes(), &summaries); err != nil {
		t.Fatalf("decoding json output: %v", err)
	}
	if len(summaries) < 3 {
		t.Errorf("got %d summaries, want at least 3", len(summaries))
	}

	stdout.Reset()
	if code := run([]string{"audit", "stats", "-db", cfg.Audit.SQLitePath}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit stats exit = %d", code)
	}
	for _, want := range []string{"Total Records:", "Blocked:", "By Action:"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("stats output missing %q", want)
		}
	}

	stdout.Reset()
	if code := run([]string{"audit", "verify", "-db", cfg.Audit.SQLitePath}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit verify exit = %d, out = %s", code, stdout.String())
	}
	if !strings.Contains(stdout.String(), "Integrity check passed") {
		t.Errorf("verify output = %q", stdout.String())
	}

	exportPath := filepath.Join(dir, "export.json")
	if code := run([]string{"audit", "export", "-db", cfg.Audit.SQLitePath, "-out", exportPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit export exit = %d", code)
	}
	if info, err := os.Stat(exportPath); err != nil || info.Size() == 0 {
		t.Errorf("export file missing or empty: %v", err)
	}

	stdout.Reset()
	if code := run([]string{"quarantine", "list", "-dir", cfg.Blob.QuarantineDir}, &stdout, &stderr); code != 0 {
		t.Fatalf("quarantine list exit = %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "1 quarantined blobs") {
		t.Errorf("quarantine list output = %q", stdout.String())
	}
}

func TestRun_Reconcile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EXTGUARD_STORAGE_DRIVER", "sqlite")
	t.Setenv("EXTGUARD_STORAGE_SQLITE_PATH", filepath.Join(dir, "guard.db"))
	t.Setenv("EXTGUARD_BLOB_LOCAL_ROOT", filepath.Join(dir, "uploads"))
	t.Setenv("EXTGUARD_AUDIT_SQLITE_PATH", filepath.Join(dir, "audit.db"))
	t.Setenv("EXTGUARD_LOGGING_LEVEL", "error")

	var stdout, stderr bytes.Buffer
	code := run([]string{"reconcile", "-env-file", filepath.Join(dir, "none.env")}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("reconcile exit = %d, stderr = %s", code, stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "guard.db")); err != nil {
		t.Errorf("store database not created: %v", err)
	}
}

func TestRunAudit_Errors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"audit"}, &stdout, &stderr); code != 2 {
		t.Errorf("bare audit exit = %d, want 2", code)
	}
	missing := filepath.Join(t.TempDir(), "nope.db")
	if code := run([]string{"audit", "stats", "-db", missing}, &stdout, &stderr); code != 1 {
		t.Errorf("missing db exit = %d, want 1", code)
	}
	if code := run([]string{"quarantine", "list"}, &stdout, &stderr); code != 2 {
		t.Errorf("quarantine without -dir exit = %d, want 2", code)
	}
	if code := run([]string{"quarantine", "purge", "-dir", t.TempDir(), "-older-than", "soon"}, &stdout, &stderr); code != 2 {
		t.Errorf("bad -older-than exit = %d, want 2", code)
	}
}

func TestQuarantinePurge_Empty(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quarantine", "purge", "-dir", t.TempDir()}, &stdout, &stderr); code != 0 {
		t.Fatalf("purge exit = %d, stderr = %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "Purged 0 blobs, freed 0 B" {
		t.Errorf("purge output = %q", got)
	}
}

func TestParseDurationWithDays(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"0d", 0, false},
		{"36h", 36 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDurationWithDays(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDurationWithDays(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDurationWithDays(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTimeArg(t *testing.T) {
	if !parseTimeArg("").IsZero() {
		t.Error("empty should be zero")
	}
	if !parseTimeArg("whenever").IsZero() {
		t.Error("garbage should be zero")
	}

	got := parseTimeArg("24h")
	if d := time.Since(got); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("24h resolved to %v ago", d)
	}

	got = parseTimeArg("2024-01-15")
	if got.Year() != 2024 || got.Month() != time.January || got.Day() != 15 {
		t.Errorf("date parsed as %v", got)
	}

	got = parseTimeArg("2024-01-15T10:30:00Z")
	if !got.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("RFC3339 parsed as %v", got)
	}
}

func TestFormatBytesHuman(t *testing.T) {
	tests := map[int64]string{
		0:                  "0 B",
		1023:               "1023 B",
		1024:               "1.0 KB",
		1536:               "1.5 KB",
		5 * 1024 * 1024:    "5.0 MB",
		3 << 40:            "3.0 TB",
	}
	for in, want := range tests {
		if got := formatBytesHuman(in); got != want {
			t.Errorf("formatBytesHuman(%d) = %q, want %q", in, got, want)
		}
	}
}
