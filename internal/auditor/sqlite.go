package auditor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLog persists audit entries to a SQLite database.
// Rows carry a checksum so tampering with history can be detected.
type SQLiteLog struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// SQLiteConfig configures the SQLite audit log.
type SQLiteConfig struct {
	Path string // Database file path
}

// NewSQLite opens (creating if needed) the audit database.
func NewSQLite(cfg SQLiteConfig) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteLog{db: db, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		action TEXT NOT NULL,
		filename TEXT,
		size_bytes INTEGER,
		client_ip TEXT,
		user_agent TEXT,
		blocked INTEGER NOT NULL DEFAULT 0,
		reason_text TEXT,
		blocked_extension TEXT,
		block_reason TEXT,
		checksum TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_blocked ON audit_log(blocked, timestamp);

	-- Metadata table for database integrity
	CREATE TABLE IF NOT EXISTS audit_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	_, err := db.Exec(`
		INSERT OR IGNORE INTO audit_meta (key, value)
		VALUES ('created_at', ?)
	`, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Append persists e and returns it with its assigned id.
func (a *SQLiteLog) Append(ctx context.Context, e core.AuditEntry) (core.AuditEntry, error) {
	if e.Time.IsZero() {
		e.Time = a.now()
	}
	ts := e.Time.UTC().Format(timeLayout)

	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, action, filename, size_bytes, client_ip, user_agent,
			blocked, reason_text, blocked_extension, block_reason, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ts,
		string(e.Action),
		e.Filename,
		e.SizeBytes,
		e.ClientIP,
		e.UserAgent,
		e.Blocked,
		e.ReasonText,
		e.BlockedExtension,
		string(e.ReasonKind),
		computeChecksum(ts, e),
	)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("audit entry id: %w", err)
	}
	e.Time, _ = time.Parse(time.RFC3339Nano, ts)
	return e, nil
}

// computeChecksum generates a SHA256 checksum of the row data.
func computeChecksum(ts string, e core.AuditEntry) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%s|%s|%t|%s|%s|%s",
		ts, e.Action, e.Filename, e.SizeBytes, e.ClientIP, e.UserAgent,
		e.Blocked, e.ReasonText, e.BlockedExtension, e.ReasonKind)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Close closes the database connection.
func (a *SQLiteLog) Close() error {
	return a.db.Close()
}

const selectColumns = `SELECT id, timestamp, action, filename, size_bytes, client_ip, user_agent,
	blocked, reason_text, blocked_extension, block_reason, checksum FROM audit_log`

// QueryBlocked returns one page of blocked entries, newest first.
func (a *SQLiteLog) QueryBlocked(ctx context.Context, page core.PageRequest) (core.AuditPage, error) {
	page = normalizePage(page)
	out := core.AuditPage{Page: page.Page, Size: page.Size, Entries: []core.AuditEntry{}}

	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE blocked = 1`).Scan(&out.Total); err != nil {
		return core.AuditPage{}, fmt.Errorf("count blocked entries: %w", err)
	}

	offset, ok := page.Offset()
	if !ok {
		return out, nil
	}
	rows, err := a.db.QueryContext(ctx, selectColumns+`
		WHERE blocked = 1
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, page.Size, offset)
	if err != nil {
		return core.AuditPage{}, fmt.Errorf("query blocked entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return core.AuditPage{}, err
		}
		out.Entries = append(out.Entries, r.Entry)
	}
	return out, rows.Err()
}

// Record is a stored row with its checksum.
type Record struct {
	Entry    core.AuditEntry
	Checksum string
}

// QueryFilter specifies filters for querying audit records.
type QueryFilter struct {
	Since     time.Time
	Until     time.Time
	Action    core.ActionType
	Blocked   *bool
	Extension string
	Limit     int
}

// Query retrieves audit records matching the given filters, newest first.
func (a *SQLiteLog) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	var where []string
	var args []any

	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Blocked != nil {
		where = append(where, "blocked = ?")
		args = append(args, *filter.Blocked)
	}
	if filter.Extension != "" {
		where = append(where, "blocked_extension = ?")
		args = append(args, filter.Extension)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// VerifyIntegrity checks all records for tampering.
// Returns list of record IDs with invalid checksums.
func (a *SQLiteLog) VerifyIntegrity(ctx context.Context) ([]int64, error) {
	rows, err := a.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query for integrity check: %w", err)
	}
	defer rows.Close()

	var tampered []int64
	for rows.Next() {
		var id int64
		var ts string
		var e core.AuditEntry
		var action, checksum string
		var filename, clientIP, userAgent, reasonText, ext, reason sql.NullString
		var size sql.NullInt64

		err := rows.Scan(&id, &ts, &action, &filename, &size, &clientIP, &userAgent,
			&e.Blocked, &reasonText, &ext, &reason, &checksum)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Action = core.ActionType(action)
		e.Filename = filename.String
		e.SizeBytes = size.Int64
		e.ClientIP = clientIP.String
		e.UserAgent = userAgent.String
		e.ReasonText = reasonText.String
		e.BlockedExtension = ext.String
		e.ReasonKind = core.BlockReason(reason.String)

		if checksum != computeChecksum(ts, e) {
			tampered = append(tampered, id)
		}
	}
	return tampered, rows.Err()
}

// Stats contains summary statistics.
type Stats struct {
	TotalRecords int64
	Blocked      int64
	FirstRecord  time.Time
	LastRecord   time.Time
	ByAction     map[core.ActionType]int64
}

// Stats returns summary statistics from the audit log.
func (a *SQLiteLog) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByAction: make(map[core.ActionType]int64)}

	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&stats.TotalRecords); err != nil {
		return nil, err
	}
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE blocked = 1").Scan(&stats.Blocked); err != nil {
		return nil, err
	}

	var firstTS, lastTS sql.NullString
	if err := a.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM audit_log").Scan(&firstTS, &lastTS); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if firstTS.Valid {
		stats.FirstRecord, _ = time.Parse(time.RFC3339Nano, firstTS.String)
	}
	if lastTS.Valid {
		stats.LastRecord, _ = time.Parse(time.RFC3339Nano, lastTS.String)
	}

	rows, err := a.db.QueryContext(ctx, "SELECT action, COUNT(*) FROM audit_log GROUP BY action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		stats.ByAction[core.ActionType(action)] = n
	}
	return stats, rows.Err()
}

// Prune removes records older than olderThan.
func (a *SQLiteLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-olderThan).UTC().Format(timeLayout)
	result, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Export writes all records since the given time as JSON.
func (a *SQLiteLog) Export(ctx context.Context, since time.Time) ([]byte, error) {
	records, err := a.Query(ctx, QueryFilter{Since: since})
	if err != nil {
		return nil, err
	}
	entries := make([]core.AuditSummary, 0, len(records))
	for _, r := range records {
		entries = append(entries, core.Summarize(r.Entry))
	}
	return json.MarshalIndent(entries, "", "  ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var r Record
	var ts, action string
	var filename, clientIP, userAgent, reasonText, ext, reason sql.NullString
	var size sql.NullInt64

	err := sc.Scan(&r.Entry.ID, &ts, &action, &filename, &size, &clientIP, &userAgent,
		&r.Entry.Blocked, &reasonText, &ext, &reason, &r.Checksum)
	if err != nil {
		return Record{}, fmt.Errorf("scan row: %w", err)
	}

	r.Entry.Time, _ = time.Parse(time.RFC3339Nano, ts)
	r.Entry.Action = core.ActionType(action)
	r.Entry.Filename = filename.String
	r.Entry.SizeBytes = size.Int64
	r.Entry.ClientIP = clientIP.String
	r.Entry.UserAgent = userAgent.String
	r.Entry.ReasonText = reasonText.String
	r.Entry.BlockedExtension = ext.String
	r.Entry.ReasonKind = core.BlockReason(reason.String)
	return r, nil
}

// normalizePage clamps negative pages and non-positive sizes.
func normalizePage(p core.PageRequest) core.PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = 10
	}
	return p
}

var _ core.AuditLog = (*SQLiteLog)(nil)
