package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ChrisB0-2/extension-guard/internal/auditor"
	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/rules"
	"github.com/ChrisB0-2/extension-guard/internal/store"
	"github.com/ChrisB0-2/extension-guard/internal/validator"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) Put(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	if b.putErr != nil {
		return "", b.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	loc := "blobs/" + name
	b.objects[loc] = data
	return loc, nil
}

func (b *memBlobs) Open(_ context.Context, loc string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[loc]
	if !ok {
		return nil, core.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, loc string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[loc]; !ok {
		return core.ErrNotFound
	}
	delete(b.objects, loc)
	b.deleted = append(b.deleted, loc)
	return nil
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type failingFiles struct {
	core.FileRepository
}

func (failingFiles) CreateFile(context.Context, core.UploadedFile) (core.UploadedFile, error) {
	return core.UploadedFile{}, errors.New("database is locked")
}

type harness struct {
	rules    *rules.Store
	repo     *store.Memory
	blobs    *memBlobs
	log      *auditor.MemoryLog
	sink     *auditor.Sink
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemory()
	limits := core.DefaultRuleLimits()

	rs := rules.New(repo, limits, nil, nil, nil)
	if err := rs.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	v := validator.New(rs, validator.Config{
		Limits:    limits,
		Messages:  core.DefaultMessages(),
		CacheSize: 64,
	}, nil, nil)

	log := auditor.NewMemory()
	sink := auditor.NewSink(log, nil, nil, nil)
	blobs := newMemBlobs()
	return &harness{
		rules:    rs,
		repo:     repo,
		blobs:    blobs,
		log:      log,
		sink:     sink,
		pipeline: New(v, blobs, repo, sink, nil, nil),
	}
}

func (h *harness) actions() []core.ActionType {
	var out []core.ActionType
	for _, e := range h.log.Entries() {
		out = append(out, e.Action)
	}
	return out
}

func request(name, body string) Request {
	return Request{
		Filename:  name,
		Size:      int64(len(body)),
		Body:      strings.NewReader(body),
		ClientIP:  "198.51.100.7",
		UserAgent: "test-agent",
	}
}

func equalActions(got []core.ActionType, want ...core.ActionType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestHandle_Stores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.pipeline.Handle(ctx, request("Report.PDF", "%PDF-1.7"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.State != StateStored {
		t.Fatalf("State = %s, want STORED", res.State)
	}
	f := res.File
	if f.ID == "" || f.Status != core.StatusActive || f.Extension != "pdf" {
		t.Errorf("record = %+v", f)
	}
	if f.OriginalFilename != "Report.PDF" || f.SizeBytes != 8 {
		t.Errorf("record = %+v", f)
	}
	if !strings.HasSuffix(f.StoredFilename, ".pdf") || f.StoredFilename == "Report.PDF" {
		t.Errorf("StoredFilename = %q", f.StoredFilename)
	}
	if f.ContentType != defaultContentType {
		t.Errorf("ContentType = %q", f.ContentType)
	}
	if h.blobs.count() != 1 {
		t.Errorf("blobs = %d, want 1", h.blobs.count())
	}

	got, err := h.repo.FileByID(ctx, f.ID)
	if err != nil || got.StoragePath != f.StoragePath {
		t.Errorf("FileByID = %+v, %v", got, err)
	}
	if !equalActions(h.actions(), core.ActionUploadAttempt, core.ActionUploadSuccess) {
		t.Errorf("audit = %v", h.actions())
	}
	entries := h.log.Entries()
	if entries[0].ClientIP != "198.51.100.7" || entries[0].UserAgent != "test-agent" {
		t.Errorf("attempt entry = %+v", entries[0])
	}
}

func TestHandle_StoredNamesAreUnique(t *testing.T) {
	h := newHarness(t)
	a, err := h.pipeline.Handle(context.Background(), request("same.txt", "one"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.pipeline.Handle(context.Background(), request("same.txt", "two"))
	if err != nil {
		t.Fatal(err)
	}
	if a.File.StoredFilename == b.File.StoredFilename {
		t.Error("stored names collided")
	}
}

func TestHandle_BlockedBypass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.rules.SetFixedBlocked(ctx, "exe", true); err != nil {
		t.Fatal(err)
	}

	res, err := h.pipeline.Handle(ctx, request("document.pdf.exe", "MZ"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("State = %s, want REJECTED", res.State)
	}
	if res.Verdict.Allowed || res.Verdict.Extension != "exe" || res.Verdict.Reason != core.ReasonBlockedExtension {
		t.Errorf("verdict = %+v", res.Verdict)
	}
	if h.blobs.count() != 0 {
		t.Error("blocked upload must not store bytes")
	}
	if !equalActions(h.actions(), core.ActionUploadAttempt, core.ActionUploadBlocked) {
		t.Errorf("audit = %v", h.actions())
	}
	blocked := h.log.Entries()[1]
	if !blocked.Blocked || blocked.BlockedExtension != "exe" || blocked.ReasonKind != core.ReasonBlockedExtension {
		t.Errorf("blocked entry = %+v", blocked)
	}
}

func TestHandle_HiddenSegment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rules.SetFixedBlocked(ctx, "exe", true)

	res, err := h.pipeline.Handle(ctx, request("invoice.exe.pdf", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateRejected || res.Verdict.Extension != "exe" {
		t.Errorf("result = %+v", res)
	}
}

func TestHandle_EmptyFile(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Handle(context.Background(), request("empty.txt", ""))
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *core.ValidationError", err)
	}
	if verr.Kind != core.ReasonInvalidFilename {
		t.Errorf("Kind = %s", verr.Kind)
	}
	if res.State != StateFailed {
		t.Errorf("State = %s, want FAILED", res.State)
	}
	if res.Verdict.Reason != "" {
		t.Errorf("hard failure must not carry a verdict reason, got %s", res.Verdict.Reason)
	}
	if !equalActions(h.actions(), core.ActionUploadAttempt) {
		t.Errorf("audit = %v, want only the attempt", h.actions())
	}
}

func TestHandle_TooLarge(t *testing.T) {
	h := newHarness(t)
	req := request("big.bin", "x")
	req.Size = core.DefaultRuleLimits().MaxFileSize + 1

	_, err := h.pipeline.Handle(context.Background(), req)
	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Kind != core.ReasonFileSizeExceeded {
		t.Fatalf("error = %v, want FILE_SIZE_EXCEEDED", err)
	}
}

func TestHandle_BlobFailure(t *testing.T) {
	h := newHarness(t)
	h.blobs.putErr = errors.New("disk full")

	res, err := h.pipeline.Handle(context.Background(), request("a.txt", "abc"))
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State != StateFailed {
		t.Errorf("State = %s", res.State)
	}
	if !equalActions(h.actions(), core.ActionUploadAttempt) {
		t.Errorf("audit = %v", h.actions())
	}
}

func TestHandle_RecordFailureRemovesBlob(t *testing.T) {
	h := newHarness(t)
	p := New(h.pipeline.validator, h.blobs, failingFiles{h.repo}, h.sink, nil, nil)

	if _, err := p.Handle(context.Background(), request("a.txt", "abc")); err == nil {
		t.Fatal("expected error")
	}
	if h.blobs.count() != 0 || len(h.blobs.deleted) != 1 {
		t.Errorf("blob not cleaned up: objects=%d deleted=%v", h.blobs.count(), h.blobs.deleted)
	}
}

func TestHandle_ScenarioRuleChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, _ := h.pipeline.Handle(ctx, request("malware.exe", "MZ"))
	if res.State != StateStored {
		t.Fatalf("exe unblocked: State = %s, want STORED", res.State)
	}

	h.rules.SetFixedBlocked(ctx, "exe", true)
	res, _ = h.pipeline.Handle(ctx, request("malware.exe", "MZ"))
	if res.State != StateRejected || res.Verdict.Extension != "exe" {
		t.Fatalf("exe blocked: result = %+v", res)
	}

	change, err := h.rules.AddCustom(ctx, "zip")
	if err != nil {
		t.Fatal(err)
	}
	res, _ = h.pipeline.Handle(ctx, request("archive.zip", "PK"))
	if res.State != StateRejected {
		t.Fatalf("zip added: State = %s, want REJECTED", res.State)
	}

	if err := h.rules.DeleteCustom(ctx, change.Rule.ID); err != nil {
		t.Fatal(err)
	}
	res, _ = h.pipeline.Handle(ctx, request("archive.zip", "PK"))
	if res.State != StateStored {
		t.Fatalf("zip deleted: State = %s, want STORED", res.State)
	}
}

func TestCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rules.SetFixedBlocked(ctx, "js", true)

	v, err := h.pipeline.Check(ctx, request("ok.txt", "hello"))
	if err != nil || !v.Allowed {
		t.Fatalf("Check(ok.txt) = %+v, %v", v, err)
	}
	if len(h.log.Entries()) != 0 {
		t.Error("allowed check must not be audited")
	}

	v, err = h.pipeline.Check(ctx, request("app.min.js", "x"))
	if err != nil || v.Allowed {
		t.Fatalf("Check(app.min.js) = %+v, %v", v, err)
	}
	if !equalActions(h.actions(), core.ActionUploadBlocked) {
		t.Errorf("audit = %v", h.actions())
	}
	if h.blobs.count() != 0 {
		t.Error("Check must not store bytes")
	}

	if _, err := h.pipeline.Check(ctx, request("", "x")); err == nil {
		t.Error("expected hard failure for missing filename")
	}
}

func TestStoredName(t *testing.T) {
	tests := []struct {
		ext    string
		suffix string
	}{
		{"pdf", ".pdf"},
		{"", ""},
		{"p df", ".pdf"},
		{"../x", ".x"},
	}
	for _, tt := range tests {
		got := storedName(tt.ext)
		if len(got) != 36+len(tt.suffix) || !strings.HasSuffix(got, tt.suffix) {
			t.Errorf("storedName(%q) = %q", tt.ext, got)
		}
		if strings.ContainsAny(got, `/\ `) {
			t.Errorf("storedName(%q) = %q contains unsafe characters", tt.ext, got)
		}
	}
}
