package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeLayout is how DATETIME columns are written.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// unexpired matches rows of the facts table that are still valid.
const unexpired = `(expires_at IS NULL OR datetime(expires_at) > datetime('now'))`

const factColumns = `id, target_id, name, value, ttl_seconds, expires_at, created_at, updated_at`

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a store for cfg.Path. Init opens it.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	db, err := sql.Open("sqlite", s.cfg.Path+"?"+strings.Join(pragmas, "&"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to open database %s: %w", s.cfg.Path, err)
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	target, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", target)
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// UpsertFact stores fact, replacing the value cached for the same target
// and name. The row keeps its original ID and creation time.
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	const query = `
		INSERT INTO facts (` + factColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, name) DO UPDATE SET
			value = excluded.value,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	var expiresAt sql.NullString
	if fact.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*fact.ExpiresAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.TargetID,
		fact.Name,
		fact.Value,
		int64(fact.TTL/time.Second),
		expiresAt,
		formatTime(fact.CreatedAt),
		formatTime(fact.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store fact %s/%s: %w", fact.TargetID, fact.Name, err)
	}
	return nil
}

// GetFact returns the unexpired fact name of targetID, or ErrNotFound.
func (s *SQLiteStore) GetFact(ctx context.Context, targetID, name string) (*Fact, error) {
	const query = `SELECT ` + factColumns + ` FROM facts WHERE target_id = ? AND name = ? AND ` + unexpired

	fact, err := scanFact(s.db.QueryRowContext(ctx, query, targetID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s: %w", targetID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fact %s/%s: %w", targetID, name, err)
	}
	return fact, nil
}

// ListFacts returns the unexpired facts matching filter ordered by target
// and name.
func (s *SQLiteStore) ListFacts(ctx context.Context, filter FactFilter) ([]*Fact, error) {
	var w where
	w.add(unexpired)
	w.addIf(filter.TargetID != "", "target_id = ?", filter.TargetID)
	w.addIf(filter.Name != "", "name = ?", filter.Name)

	query := `SELECT ` + factColumns + ` FROM facts` + w.String() + ` ORDER BY target_id, name`
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read fact: %w", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// ListFactTargets returns one entry per target holding unexpired facts.
func (s *SQLiteStore) ListFactTargets(ctx context.Context) ([]*TargetStats, error) {
	const query = `
		SELECT target_id, COUNT(*), MAX(updated_at)
		FROM facts
		WHERE ` + unexpired + `
		GROUP BY target_id
		ORDER BY target_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list fact targets: %w", err)
	}
	defer rows.Close()

	stats := []*TargetStats{}
	for rows.Next() {
		var (
			st   TargetStats
			last any
		)
		if err := rows.Scan(&st.TargetID, &st.Facts, &last); err != nil {
			return nil, fmt.Errorf("failed to read fact target: %w", err)
		}
		if st.LastUpdated, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("target %s: %w", st.TargetID, err)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// DeleteTargetFacts removes every fact of targetID, expired or not.
func (s *SQLiteStore) DeleteTargetFacts(ctx context.Context, targetID string) (int64, error) {
	return s.exec(ctx, `DELETE FROM facts WHERE target_id = ?`, targetID)
}

// DeleteExpiredFacts removes facts whose TTL has passed.
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	return s.exec(ctx, `DELETE FROM facts WHERE NOT `+unexpired)
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete facts: %w", err)
	}
	return result.RowsAffected()
}

// CreateAuditEntry appends entry to the audit trail and sets its ID.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	const query = `INSERT INTO audit (action, actor, target, details, recorded_at) VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		nullString(entry.Target),
		nullString(entry.Details),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	if entry.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read audit entry ID: %w", err)
	}
	return nil
}

// ListAuditEntries returns the entries matching filter, newest first. A
// limit of zero or less returns every entry.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditEntry, error) {
	var w where
	w.addIf(filter.Action != "", "action = ?", filter.Action)
	w.addIf(filter.Actor != "", "actor = ?", filter.Actor)
	// substr rather than LIKE: setting types contain '_'.
	w.addIf(filter.TargetPrefix != "", "substr(target, 1, length(?)) = ?", filter.TargetPrefix, filter.TargetPrefix)

	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, action, actor, target, details, recorded_at FROM audit` + w.String() +
		` ORDER BY recorded_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, append(w.args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			entry           AuditEntry
			target, details sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &target, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to read audit entry: %w", err)
		}
		entry.Target = target.String
		entry.Details = details.String
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*Fact, error) {
	var (
		fact Fact
		ttl  int64
	)
	err := row.Scan(
		&fact.ID,
		&fact.TargetID,
		&fact.Name,
		&fact.Value,
		&ttl,
		&fact.ExpiresAt,
		&fact.CreatedAt,
		&fact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	fact.TTL = time.Duration(ttl) * time.Second
	return &fact, nil
}

// where collects the conditions of a query.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) addIf(ok bool, cond string, args ...any) {
	if ok {
		w.add(cond, args...)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseTime reads a DATETIME value that lost its column type, as happens
// with aggregates.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.ParseInLocation(sqliteTimeLayout, t, time.UTC)
	case []byte:
		return time.ParseInLocation(sqliteTimeLayout, string(t), time.UTC)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
