package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres persists rules and file metadata in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	log  logger.Logger
	now  func() time.Time
}

// NewPostgres applies pending migrations and opens a connection pool.
func NewPostgres(ctx context.Context, dsn string, log logger.Logger) (*Postgres, error) {
	log = logger.OrNop(log)

	if err := Migrate(dsn, log); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info("postgres store ready", logger.F("host", cfg.ConnConfig.Host), logger.F("database", cfg.ConnConfig.Database))
	return &Postgres{pool: pool, log: log, now: time.Now}, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string, log logger.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.OrNop(log).Info("migrations applied", logger.F("version", version), logger.F("dirty", dirty))
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the
// migrate driver registers under.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) qb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// Fixed rules

var fixedCols = []string{"extension", "blocked", "created_at", "updated_at"}

func (p *Postgres) FixedRuleByName(ctx context.Context, name string) (core.FixedRule, error) {
	sqlStr, args, err := p.qb().Select(fixedCols...).
		From("fixed_extension_rules").
		Where(sq.Eq{"extension": name}).
		ToSql()
	if err != nil {
		return core.FixedRule{}, err
	}
	var r core.FixedRule
	err = p.pool.QueryRow(ctx, sqlStr, args...).Scan(&r.Extension, &r.Blocked, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return core.FixedRule{}, p.mapErr("FixedRuleByName", err)
	}
	return r, nil
}

func (p *Postgres) FixedRules(ctx context.Context) ([]core.FixedRule, error) {
	sqlStr, args, err := p.qb().Select(fixedCols...).
		From("fixed_extension_rules").
		OrderBy("extension").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, p.mapErr("FixedRules", err)
	}
	defer rows.Close()

	var out []core.FixedRule
	for rows.Next() {
		var r core.FixedRule
		if err := rows.Scan(&r.Extension, &r.Blocked, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) BlockedFixedNames(ctx context.Context) ([]string, error) {
	sqlStr, args, err := p.qb().Select("extension").
		From("fixed_extension_rules").
		Where(sq.Eq{"blocked": true}).
		OrderBy("extension").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, p.mapErr("BlockedFixedNames", err)
	}
	defer rows.Close()

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

func (p *Postgres) SaveFixedRule(ctx context.Context, rule core.FixedRule) (core.FixedRule, error) {
	now := p.now().UTC()
	sqlStr, args, err := p.qb().Insert("fixed_extension_rules").
		Columns(fixedCols...).
		Values(rule.Extension, rule.Blocked, now, now).
		Suffix("ON CONFLICT (extension) DO UPDATE SET blocked = EXCLUDED.blocked, updated_at = EXCLUDED.updated_at " +
			"RETURNING extension, blocked, created_at, updated_at").
		ToSql()
	if err != nil {
		return core.FixedRule{}, err
	}
	var r core.FixedRule
	err = p.pool.QueryRow(ctx, sqlStr, args...).Scan(&r.Extension, &r.Blocked, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return core.FixedRule{}, p.mapErr("SaveFixedRule", err)
	}
	return r, nil
}

// Custom rules

var customCols = []string{"id", "extension", "created_at", "updated_at"}

func (p *Postgres) CustomRules(ctx context.Context) ([]core.CustomRule, error) {
	sqlStr, args, err := p.qb().Select(customCols...).
		From("custom_extension_rules").
		OrderBy("extension").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, p.mapErr("CustomRules", err)
	}
	defer rows.Close()

	var out []core.CustomRule
	for rows.Next() {
		var r core.CustomRule
		if err := rows.Scan(&r.ID, &r.Extension, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CustomRuleByID(ctx context.Context, id string) (core.CustomRule, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.CustomRule{}, core.ErrNotFound
	}
	sqlStr, args, err := p.qb().Select(customCols...).
		From("custom_extension_rules").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return core.CustomRule{}, err
	}
	var r core.CustomRule
	err = p.pool.QueryRow(ctx, sqlStr, args...).Scan(&r.ID, &r.Extension, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return core.CustomRule{}, p.mapErr("CustomRuleByID", err)
	}
	return r, nil
}

func (p *Postgres) CustomRuleExists(ctx context.Context, extension string) (bool, error) {
	sqlStr, args, err := p.qb().Select("1").
		Prefix("SELECT EXISTS (").
		From("custom_extension_rules").
		Where(sq.Eq{"extension": extension}).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, err
	}
	var ok bool
	if err := p.pool.QueryRow(ctx, sqlStr, args...).Scan(&ok); err != nil {
		return false, p.mapErr("CustomRuleExists", err)
	}
	return ok, nil
}

func (p *Postgres) CountCustomRules(ctx context.Context) (int, error) {
	sqlStr, args, err := p.qb().Select("COUNT(*)").From("custom_extension_rules").ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.pool.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, p.mapErr("CountCustomRules", err)
	}
	return n, nil
}

func (p *Postgres) CreateCustomRule(ctx context.Context, rule core.CustomRule) (core.CustomRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := p.now().UTC()
	sqlStr, args, err := p.qb().Insert("custom_extension_rules").
		Columns(customCols...).
		Values(rule.ID, rule.Extension, now, now).
		Suffix("RETURNING id, extension, created_at, updated_at").
		ToSql()
	if err != nil {
		return core.CustomRule{}, err
	}
	var r core.CustomRule
	err = p.pool.QueryRow(ctx, sqlStr, args...).Scan(&r.ID, &r.Extension, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return core.CustomRule{}, p.mapErr("CreateCustomRule", err)
	}
	return r, nil
}

func (p *Postgres) DeleteCustomRule(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return core.ErrNotFound
	}
	sqlStr, args, err := p.qb().Delete("custom_extension_rules").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return p.mapErr("DeleteCustomRule", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Files

var fileCols = []string{
	"id", "original_filename", "stored_filename", "storage_path", "extension",
	"size_bytes", "content_type", "status", "protected", "created_at", "updated_at",
}

const fileReturning = "RETURNING id, original_filename, stored_filename, storage_path, extension, " +
	"size_bytes, content_type, status, protected, created_at, updated_at"

func (p *Postgres) CreateFile(ctx context.Context, f core.UploadedFile) (core.UploadedFile, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = core.StatusActive
	}
	now := p.now().UTC()
	sqlStr, args, err := p.qb().Insert("uploaded_files").
		Columns(fileCols...).
		Values(f.ID, f.OriginalFilename, f.StoredFilename, f.StoragePath, f.Extension,
			f.SizeBytes, f.ContentType, string(f.Status), f.Protected, now, now).
		Suffix(fileReturning).
		ToSql()
	if err != nil {
		return core.UploadedFile{}, err
	}
	out, err := scanPgFile(p.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		return core.UploadedFile{}, p.mapErr("CreateFile", err)
	}
	return out, nil
}

func (p *Postgres) FileByID(ctx context.Context, id string) (core.UploadedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.UploadedFile{}, core.ErrNotFound
	}
	return p.oneFile(ctx, "FileByID", sq.Eq{"id": id})
}

func (p *Postgres) FileByStoredName(ctx context.Context, storedName string) (core.UploadedFile, error) {
	return p.oneFile(ctx, "FileByStoredName", sq.Eq{"stored_filename": storedName})
}

func (p *Postgres) FilesByExtension(ctx context.Context, extension string, status core.FileStatus) ([]core.UploadedFile, error) {
	return p.manyFiles(ctx, "FilesByExtension", sq.Eq{"extension": extension, "status": string(status)})
}

func (p *Postgres) FilesByStatus(ctx context.Context, status core.FileStatus) ([]core.UploadedFile, error) {
	return p.manyFiles(ctx, "FilesByStatus", sq.Eq{"status": string(status)})
}

func (p *Postgres) CountByStatus(ctx context.Context, status core.FileStatus) (int64, error) {
	sqlStr, args, err := p.qb().Select("COUNT(*)").
		From("uploaded_files").
		Where(sq.Eq{"status": string(status)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, p.mapErr("CountByStatus", err)
	}
	return n, nil
}

func (p *Postgres) MarkDeleted(ctx context.Context, id string) (core.UploadedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.UploadedFile{}, core.ErrNotFound
	}
	sqlStr, args, err := p.qb().Update("uploaded_files").
		Set("status", string(core.StatusDeleted)).
		Set("updated_at", p.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(core.StatusDeleted)}).
		ToSql()
	if err != nil {
		return core.UploadedFile{}, err
	}
	if _, err := p.pool.Exec(ctx, sqlStr, args...); err != nil {
		return core.UploadedFile{}, p.mapErr("MarkDeleted", err)
	}
	return p.FileByID(ctx, id)
}

func (p *Postgres) MarkDeletedUnlessProtected(ctx context.Context, id string) (core.UploadedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.UploadedFile{}, core.ErrNotFound
	}
	sqlStr, args, err := p.qb().Update("uploaded_files").
		Set("status", string(core.StatusDeleted)).
		Set("updated_at", p.now().UTC()).
		Where(sq.Eq{"id": id, "status": string(core.StatusActive), "protected": false}).
		Suffix(fileReturning).
		ToSql()
	if err != nil {
		return core.UploadedFile{}, err
	}
	f, err := scanPgFile(p.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.UploadedFile{}, claimMiss(ctx, p, id)
	}
	if err != nil {
		return core.UploadedFile{}, p.mapErr("MarkDeletedUnlessProtected", err)
	}
	return f, nil
}

func (p *Postgres) SetProtected(ctx context.Context, id string, protected bool) (core.UploadedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.UploadedFile{}, core.ErrNotFound
	}
	sqlStr, args, err := p.qb().Update("uploaded_files").
		Set("protected", protected).
		Set("updated_at", p.now().UTC()).
		Where(sq.Eq{"id": id}).
		Suffix(fileReturning).
		ToSql()
	if err != nil {
		return core.UploadedFile{}, err
	}
	f, err := scanPgFile(p.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		return core.UploadedFile{}, p.mapErr("SetProtected", err)
	}
	return f, nil
}

func (p *Postgres) oneFile(ctx context.Context, op string, where sq.Eq) (core.UploadedFile, error) {
	sqlStr, args, err := p.qb().Select(fileCols...).From("uploaded_files").Where(where).ToSql()
	if err != nil {
		return core.UploadedFile{}, err
	}
	f, err := scanPgFile(p.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		return core.UploadedFile{}, p.mapErr(op, err)
	}
	return f, nil
}

func (p *Postgres) manyFiles(ctx context.Context, op string, where sq.Eq) ([]core.UploadedFile, error) {
	sqlStr, args, err := p.qb().Select(fileCols...).
		From("uploaded_files").
		Where(where).
		OrderBy("created_at DESC", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, p.mapErr(op, err)
	}
	defer rows.Close()

	out := make([]core.UploadedFile, 0)
	for rows.Next() {
		f, err := scanPgFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanPgFile(row pgx.Row) (core.UploadedFile, error) {
	var f core.UploadedFile
	var status string
	err := row.Scan(&f.ID, &f.OriginalFilename, &f.StoredFilename, &f.StoragePath, &f.Extension,
		&f.SizeBytes, &f.ContentType, &status, &f.Protected, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return core.UploadedFile{}, err
	}
	f.Status = core.FileStatus(status)
	return f, nil
}

// mapErr translates driver errors into core sentinels.
func (p *Postgres) mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return core.ErrAlreadyExists
	}
	p.log.Debug("postgres query failed", logger.F("op", op), logger.Err(err))
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ core.RuleRepository = (*Postgres)(nil)
	_ core.FileRepository = (*Postgres)(nil)
)
