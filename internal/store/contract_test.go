package store

import (
	"context"
	"errors"
	"testing"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

type repository interface {
	core.RuleRepository
	core.FileRepository
}

// runContract exercises behaviour every repository implementation must share.
func runContract(t *testing.T, newRepo func(t *testing.T) repository) {
	t.Helper()

	t.Run("FixedRules", func(t *testing.T) { testFixedRules(t, newRepo(t)) })
	t.Run("CustomRules", func(t *testing.T) { testCustomRules(t, newRepo(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newRepo(t)) })
	t.Run("FileQueries", func(t *testing.T) { testFileQueries(t, newRepo(t)) })
	t.Run("CascadeClaim", func(t *testing.T) { testCascadeClaim(t, newRepo(t)) })
}

func testFixedRules(t *testing.T, r repository) {
	ctx := context.Background()

	if _, err := r.FixedRuleByName(ctx, "exe"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("FixedRuleByName(missing) error = %v, want ErrNotFound", err)
	}

	for _, ext := range []string{"exe", "bat", "js"} {
		if _, err := r.SaveFixedRule(ctx, core.FixedRule{Extension: ext}); err != nil {
			t.Fatalf("SaveFixedRule(%s): %v", ext, err)
		}
	}

	created, err := r.FixedRuleByName(ctx, "bat")
	if err != nil {
		t.Fatalf("FixedRuleByName: %v", err)
	}
	if created.Blocked {
		t.Error("new fixed rule should not be blocked")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	updated, err := r.SaveFixedRule(ctx, core.FixedRule{Extension: "bat", Blocked: true})
	if err != nil {
		t.Fatalf("SaveFixedRule(update): %v", err)
	}
	if !updated.Blocked {
		t.Error("update should set blocked")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}

	all, err := r.FixedRules(ctx)
	if err != nil {
		t.Fatalf("FixedRules: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(FixedRules) = %d, want 3", len(all))
	}
	if all[0].Extension != "bat" || all[2].Extension != "js" {
		t.Errorf("FixedRules not sorted by name: %+v", all)
	}

	blocked, err := r.BlockedFixedNames(ctx)
	if err != nil {
		t.Fatalf("BlockedFixedNames: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != "bat" {
		t.Errorf("BlockedFixedNames = %v, want [bat]", blocked)
	}
}

func testCustomRules(t *testing.T, r repository) {
	ctx := context.Background()

	n, err := r.CountCustomRules(ctx)
	if err != nil || n != 0 {
		t.Fatalf("CountCustomRules = %d, %v; want 0, nil", n, err)
	}

	sh, err := r.CreateCustomRule(ctx, core.CustomRule{Extension: "sh"})
	if err != nil {
		t.Fatalf("CreateCustomRule: %v", err)
	}
	if sh.ID == "" {
		t.Fatal("CreateCustomRule should assign an id")
	}
	if _, err := r.CreateCustomRule(ctx, core.CustomRule{Extension: "ps1"}); err != nil {
		t.Fatalf("CreateCustomRule(ps1): %v", err)
	}

	if _, err := r.CreateCustomRule(ctx, core.CustomRule{Extension: "sh"}); !errors.Is(err, core.ErrAlreadyExists) {
		t.Errorf("duplicate CreateCustomRule error = %v, want ErrAlreadyExists", err)
	}

	ok, err := r.CustomRuleExists(ctx, "sh")
	if err != nil || !ok {
		t.Errorf("CustomRuleExists(sh) = %v, %v; want true", ok, err)
	}
	ok, err = r.CustomRuleExists(ctx, "php")
	if err != nil || ok {
		t.Errorf("CustomRuleExists(php) = %v, %v; want false", ok, err)
	}

	got, err := r.CustomRuleByID(ctx, sh.ID)
	if err != nil {
		t.Fatalf("CustomRuleByID: %v", err)
	}
	if got.Extension != "sh" {
		t.Errorf("Extension = %q, want sh", got.Extension)
	}

	list, err := r.CustomRules(ctx)
	if err != nil {
		t.Fatalf("CustomRules: %v", err)
	}
	if len(list) != 2 || list[0].Extension != "ps1" || list[1].Extension != "sh" {
		t.Errorf("CustomRules = %+v, want [ps1 sh]", list)
	}

	if err := r.DeleteCustomRule(ctx, sh.ID); err != nil {
		t.Fatalf("DeleteCustomRule: %v", err)
	}
	if err := r.DeleteCustomRule(ctx, sh.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteCustomRule error = %v, want ErrNotFound", err)
	}
	if _, err := r.CustomRuleByID(ctx, sh.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("CustomRuleByID(deleted) error = %v, want ErrNotFound", err)
	}

	n, _ = r.CountCustomRules(ctx)
	if n != 1 {
		t.Errorf("CountCustomRules = %d, want 1", n)
	}
}

func testFiles(t *testing.T, r repository) {
	ctx := context.Background()

	f, err := r.CreateFile(ctx, core.UploadedFile{
		OriginalFilename: "report.pdf",
		StoredFilename:   "a1.pdf",
		StoragePath:      "2026/01/02/a1.pdf",
		Extension:        "pdf",
		SizeBytes:        42,
		ContentType:      "application/pdf",
	})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if f.ID == "" || f.Status != core.StatusActive {
		t.Fatalf("CreateFile = %+v, want id and ACTIVE status", f)
	}

	if _, err := r.CreateFile(ctx, core.UploadedFile{
		OriginalFilename: "other.pdf",
		StoredFilename:   "a1.pdf",
		StoragePath:      "x",
		Extension:        "pdf",
		SizeBytes:        1,
	}); !errors.Is(err, core.ErrAlreadyExists) {
		t.Errorf("duplicate stored name error = %v, want ErrAlreadyExists", err)
	}

	byName, err := r.FileByStoredName(ctx, "a1.pdf")
	if err != nil || byName.ID != f.ID {
		t.Errorf("FileByStoredName = %+v, %v", byName, err)
	}
	if _, err := r.FileByStoredName(ctx, "nope.pdf"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("FileByStoredName(missing) error = %v, want ErrNotFound", err)
	}

	got, err := r.FileByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	if got.SizeBytes != 42 || got.ContentType != "application/pdf" || got.StoragePath != "2026/01/02/a1.pdf" {
		t.Errorf("FileByID = %+v", got)
	}

	p, err := r.SetProtected(ctx, f.ID, true)
	if err != nil || !p.Protected {
		t.Errorf("SetProtected = %+v, %v", p, err)
	}

	d, err := r.MarkDeleted(ctx, f.ID)
	if err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if d.Status != core.StatusDeleted {
		t.Errorf("Status = %s, want DELETED", d.Status)
	}
	if _, err := r.MarkDeleted(ctx, f.ID); err != nil {
		t.Errorf("MarkDeleted should be idempotent: %v", err)
	}

	missing := "00000000-0000-0000-0000-000000000000"
	if _, err := r.FileByID(ctx, missing); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("FileByID(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := r.MarkDeleted(ctx, missing); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("MarkDeleted(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := r.SetProtected(ctx, missing, true); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("SetProtected(missing) error = %v, want ErrNotFound", err)
	}
}

func testFileQueries(t *testing.T, r repository) {
	ctx := context.Background()

	mk := func(stored, ext string) core.UploadedFile {
		t.Helper()
		f, err := r.CreateFile(ctx, core.UploadedFile{
			OriginalFilename: "orig." + ext,
			StoredFilename:   stored,
			StoragePath:      stored,
			Extension:        ext,
			SizeBytes:        10,
		})
		if err != nil {
			t.Fatalf("CreateFile(%s): %v", stored, err)
		}
		return f
	}

	mk("1.sh", "sh")
	second := mk("2.sh", "sh")
	mk("3.txt", "txt")

	if _, err := r.MarkDeleted(ctx, second.ID); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	active, err := r.FilesByExtension(ctx, "sh", core.StatusActive)
	if err != nil {
		t.Fatalf("FilesByExtension: %v", err)
	}
	if len(active) != 1 || active[0].StoredFilename != "1.sh" {
		t.Errorf("FilesByExtension(sh, ACTIVE) = %+v", active)
	}

	none, err := r.FilesByExtension(ctx, "exe", core.StatusActive)
	if err != nil {
		t.Fatalf("FilesByExtension(exe): %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("FilesByExtension(exe) = %#v, want empty non-nil slice", none)
	}

	all, err := r.FilesByStatus(ctx, core.StatusActive)
	if err != nil {
		t.Fatalf("FilesByStatus: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(FilesByStatus(ACTIVE)) = %d, want 2", len(all))
	}

	n, err := r.CountByStatus(ctx, core.StatusDeleted)
	if err != nil || n != 1 {
		t.Errorf("CountByStatus(DELETED) = %d, %v; want 1", n, err)
	}
}

func testCascadeClaim(t *testing.T, r repository) {
	ctx := context.Background()

	mk := func(stored string, protected bool) core.UploadedFile {
		t.Helper()
		f, err := r.CreateFile(ctx, core.UploadedFile{
			OriginalFilename: stored,
			StoredFilename:   stored,
			StoragePath:      stored,
			Extension:        "exe",
			SizeBytes:        1,
			Protected:        protected,
		})
		if err != nil {
			t.Fatalf("CreateFile(%s): %v", stored, err)
		}
		return f
	}

	open := mk("open.exe", false)
	guarded := mk("guarded.exe", true)

	d, err := r.MarkDeletedUnlessProtected(ctx, open.ID)
	if err != nil {
		t.Fatalf("MarkDeletedUnlessProtected: %v", err)
	}
	if d.Status != core.StatusDeleted {
		t.Errorf("Status = %s, want DELETED", d.Status)
	}
	if _, err := r.MarkDeletedUnlessProtected(ctx, open.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second claim error = %v, want ErrNotFound", err)
	}

	if _, err := r.MarkDeletedUnlessProtected(ctx, guarded.ID); !errors.Is(err, core.ErrProtected) {
		t.Errorf("protected claim error = %v, want ErrProtected", err)
	}
	if got, _ := r.FileByID(ctx, guarded.ID); got.Status != core.StatusActive {
		t.Errorf("protected file status = %s, want ACTIVE", got.Status)
	}

	if _, err := r.SetProtected(ctx, guarded.ID, false); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}
	if _, err := r.MarkDeletedUnlessProtected(ctx, guarded.ID); err != nil {
		t.Errorf("claim after unprotect: %v", err)
	}

	missing := "00000000-0000-0000-0000-000000000000"
	if _, err := r.MarkDeletedUnlessProtected(ctx, missing); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing claim error = %v, want ErrNotFound", err)
	}
}
