package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// SQLite persists rules and file metadata in a single SQLite file.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex // serializes writes
	now func() time.Time
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string // Database file path, or ":memory:"
}

// NewSQLite opens (creating if needed) the database at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// each new connection would see a fresh empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS fixed_extension_rules (
		extension TEXT PRIMARY KEY,
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS custom_extension_rules (
		id TEXT PRIMARY KEY,
		extension TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploaded_files (
		id TEXT PRIMARY KEY,
		original_filename TEXT NOT NULL,
		stored_filename TEXT NOT NULL UNIQUE,
		storage_path TEXT NOT NULL,
		extension TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		protected INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_extension_status ON uploaded_files(extension, status);
	CREATE INDEX IF NOT EXISTS idx_files_status ON uploaded_files(status);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Fixed rules

func (s *SQLite) FixedRuleByName(ctx context.Context, name string) (core.FixedRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT extension, blocked, created_at, updated_at
		FROM fixed_extension_rules WHERE extension = ?`, name)
	r, err := scanFixed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FixedRule{}, core.ErrNotFound
	}
	return r, err
}

func (s *SQLite) FixedRules(ctx context.Context) ([]core.FixedRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extension, blocked, created_at, updated_at
		FROM fixed_extension_rules ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("query fixed rules: %w", err)
	}
	defer rows.Close()

	var out []core.FixedRule
	for rows.Next() {
		r, err := scanFixed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) BlockedFixedNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extension FROM fixed_extension_rules WHERE blocked = 1 ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("query blocked fixed rules: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLite) SaveFixedRule(ctx context.Context, rule core.FixedRule) (core.FixedRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixed_extension_rules (extension, blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(extension) DO UPDATE SET blocked = excluded.blocked, updated_at = excluded.updated_at`,
		rule.Extension, rule.Blocked, now, now)
	if err != nil {
		return core.FixedRule{}, fmt.Errorf("save fixed rule: %w", err)
	}
	return s.FixedRuleByName(ctx, rule.Extension)
}

// Custom rules

func (s *SQLite) CustomRules(ctx context.Context) ([]core.CustomRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, extension, created_at, updated_at
		FROM custom_extension_rules ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("query custom rules: %w", err)
	}
	defer rows.Close()

	var out []core.CustomRule
	for rows.Next() {
		r, err := scanCustom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) CustomRuleByID(ctx context.Context, id string) (core.CustomRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, extension, created_at, updated_at
		FROM custom_extension_rules WHERE id = ?`, id)
	r, err := scanCustom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CustomRule{}, core.ErrNotFound
	}
	return r, err
}

func (s *SQLite) CustomRuleExists(ctx context.Context, extension string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM custom_extension_rules WHERE extension = ?`, extension).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query custom rule: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) CountCustomRules(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM custom_extension_rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count custom rules: %w", err)
	}
	return n, nil
}

func (s *SQLite) CreateCustomRule(ctx context.Context, rule core.CustomRule) (core.CustomRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_extension_rules (id, extension, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		rule.ID, rule.Extension, now, now)
	if isUniqueViolation(err) {
		return core.CustomRule{}, core.ErrAlreadyExists
	}
	if err != nil {
		return core.CustomRule{}, fmt.Errorf("insert custom rule: %w", err)
	}
	rule.CreatedAt, rule.UpdatedAt = parseTime(now), parseTime(now)
	return rule, nil
}

func (s *SQLite) DeleteCustomRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM custom_extension_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete custom rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Files

const fileColumns = `id, original_filename, stored_filename, storage_path, extension,
	size_bytes, content_type, status, protected, created_at, updated_at`

func (s *SQLite) CreateFile(ctx context.Context, f core.UploadedFile) (core.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = core.StatusActive
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OriginalFilename, f.StoredFilename, f.StoragePath, f.Extension,
		f.SizeBytes, f.ContentType, string(f.Status), f.Protected, now, now)
	if isUniqueViolation(err) {
		return core.UploadedFile{}, core.ErrAlreadyExists
	}
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("insert file: %w", err)
	}
	f.CreatedAt, f.UpdatedAt = parseTime(now), parseTime(now)
	return f, nil
}

func (s *SQLite) FileByID(ctx context.Context, id string) (core.UploadedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM uploaded_files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UploadedFile{}, core.ErrNotFound
	}
	return f, err
}

func (s *SQLite) FileByStoredName(ctx context.Context, storedName string) (core.UploadedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM uploaded_files WHERE stored_filename = ?`, storedName)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UploadedFile{}, core.ErrNotFound
	}
	return f, err
}

func (s *SQLite) FilesByExtension(ctx context.Context, extension string, status core.FileStatus) ([]core.UploadedFile, error) {
	return s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM uploaded_files
		WHERE extension = ? AND status = ?
		ORDER BY created_at DESC, id`, extension, string(status))
}

func (s *SQLite) FilesByStatus(ctx context.Context, status core.FileStatus) ([]core.UploadedFile, error) {
	return s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM uploaded_files
		WHERE status = ?
		ORDER BY created_at DESC, id`, string(status))
}

func (s *SQLite) CountByStatus(ctx context.Context, status core.FileStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploaded_files WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

func (s *SQLite) MarkDeleted(ctx context.Context, id string) (core.UploadedFile, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploaded_files SET status = ?, updated_at = ?
		WHERE id = ? AND status <> ?`,
		string(core.StatusDeleted), formatTime(s.now()), id, string(core.StatusDeleted))
	s.mu.Unlock()
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("mark file deleted: %w", err)
	}
	return s.FileByID(ctx, id)
}

func (s *SQLite) MarkDeletedUnlessProtected(ctx context.Context, id string) (core.UploadedFile, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploaded_files SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND protected = 0`,
		string(core.StatusDeleted), formatTime(s.now()), id, string(core.StatusActive))
	s.mu.Unlock()
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("mark file deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.UploadedFile{}, claimMiss(ctx, s, id)
	}
	return s.FileByID(ctx, id)
}

// claimMiss explains why a conditional delete matched no row.
func claimMiss(ctx context.Context, r interface {
	FileByID(context.Context, string) (core.UploadedFile, error)
}, id string) error {
	f, err := r.FileByID(ctx, id)
	if err != nil {
		return err
	}
	if f.Status == core.StatusActive && f.Protected {
		return core.ErrProtected
	}
	return core.ErrNotFound
}

func (s *SQLite) SetProtected(ctx context.Context, id string, protected bool) (core.UploadedFile, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploaded_files SET protected = ?, updated_at = ? WHERE id = ?`,
		protected, formatTime(s.now()), id)
	s.mu.Unlock()
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("set protection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.UploadedFile{}, core.ErrNotFound
	}
	return s.FileByID(ctx, id)
}

func (s *SQLite) queryFiles(ctx context.Context, query string, args ...any) ([]core.UploadedFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	out := make([]core.UploadedFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFixed(sc scanner) (core.FixedRule, error) {
	var r core.FixedRule
	var created, updated string
	if err := sc.Scan(&r.Extension, &r.Blocked, &created, &updated); err != nil {
		return core.FixedRule{}, err
	}
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

func scanCustom(sc scanner) (core.CustomRule, error) {
	var r core.CustomRule
	var created, updated string
	if err := sc.Scan(&r.ID, &r.Extension, &created, &updated); err != nil {
		return core.CustomRule{}, err
	}
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

func scanFile(sc scanner) (core.UploadedFile, error) {
	var f core.UploadedFile
	var status, created, updated string
	err := sc.Scan(&f.ID, &f.OriginalFilename, &f.StoredFilename, &f.StoragePath, &f.Extension,
		&f.SizeBytes, &f.ContentType, &status, &f.Protected, &created, &updated)
	if err != nil {
		return core.UploadedFile{}, err
	}
	f.Status = core.FileStatus(status)
	f.CreatedAt, f.UpdatedAt = parseTime(created), parseTime(updated)
	return f, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var (
	_ core.RuleRepository = (*SQLite)(nil)
	_ core.FileRepository = (*SQLite)(nil)
)
