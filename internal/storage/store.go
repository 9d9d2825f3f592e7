package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config selects the SQL backend for the mirror.
type Config struct {
	Driver      string // "sqlite3" (default) or "postgres"
	DSN         string // file path for sqlite, connection string for postgres
	TablePrefix string
}

// Store is the local relational mirror of the remote calendar. All tables
// share a configurable prefix so several agendas can live in one database.
type Store struct {
	db      *sql.DB
	prefix  string
	dialect dialect
	log     *slog.Logger
}

// dialect covers the few places sqlite and postgres disagree.
type dialect interface {
	idColumn() string
	insertIgnorePrefix() string
	insertIgnoreSuffix() string
	rebind(query string) string
}

type sqliteDialect struct{}

func (sqliteDialect) idColumn() string           { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) insertIgnorePrefix() string { return "INSERT OR IGNORE" }
func (sqliteDialect) insertIgnoreSuffix() string { return "" }
func (sqliteDialect) rebind(query string) string { return query }

type postgresDialect struct{}

func (postgresDialect) idColumn() string           { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) insertIgnorePrefix() string { return "INSERT" }
func (postgresDialect) insertIgnoreSuffix() string { return " ON CONFLICT DO NOTHING" }

func (postgresDialect) rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// New opens the mirror database and verifies the connection.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}

	var d dialect
	dsn := cfg.DSN
	switch driver {
	case "sqlite3":
		d = sqliteDialect{}
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on"
		}
	case "postgres":
		d = postgresDialect{}
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Store{db: db, prefix: cfg.TablePrefix, dialect: d, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// q expands the table prefix and rebinds placeholders for the dialect.
func (s *Store) q(query string) string {
	return s.dialect.rebind(strings.ReplaceAll(query, "{p}", s.prefix))
}

// CreateTables creates the mirror schema if it does not exist and seeds
// the CTag property row. The seed value "NULL" never equals a real CTag,
// so the first sync after initialization always runs a full diff.
func (s *Store) CreateTables() error {
	s.log.Info("creating database tables", "prefix", s.prefix)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS {p}events (
			filename            TEXT PRIMARY KEY,
			etag                TEXT,
			start_time          TIMESTAMP,
			volunteers_required BIGINT,
			raw                 TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS {p}categories (
			id   ` + s.dialect.idColumn() + `,
			name TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS {p}events_categories (
			category_id BIGINT,
			filename    TEXT,
			FOREIGN KEY (category_id) REFERENCES {p}categories(id) ON DELETE CASCADE,
			FOREIGN KEY (filename)    REFERENCES {p}events(filename) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS {p}attendees (
			email   TEXT PRIMARY KEY,
			user_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS {p}events_attendees (
			filename TEXT,
			email    TEXT,
			FOREIGN KEY (email)    REFERENCES {p}attendees(email) ON DELETE CASCADE,
			FOREIGN KEY (filename) REFERENCES {p}events(filename) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS {p}properties (
			property TEXT PRIMARY KEY,
			value    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS {p}reminders (
			id       TEXT,
			filename TEXT,
			user_id  TEXT,
			FOREIGN KEY (filename) REFERENCES {p}events(filename) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS {p}idx_events_start ON {p}events(start_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.q(stmt)); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return s.seedProperties()
}

func (s *Store) seedProperties() error {
	_, err := s.db.Exec(s.q(s.dialect.insertIgnorePrefix() +
		` INTO {p}properties (property, value) VALUES ('CTag', 'NULL')` +
		s.dialect.insertIgnoreSuffix()))
	if err != nil {
		return fmt.Errorf("seed properties: %w", err)
	}
	return nil
}

// TruncateTables empties the mirror and re-seeds the CTag row, forcing a
// full re-sync on the next reconciliation.
func (s *Store) TruncateTables() error {
	for _, table := range []string{"{p}events", "{p}categories", "{p}attendees", "{p}properties"} {
		if _, err := s.db.Exec(s.q("DELETE FROM " + table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return s.seedProperties()
}

// CleanOrphanCategories deletes categories no event references anymore
// and returns their names.
func (s *Store) CleanOrphanCategories() ([]string, error) {
	where := ` FROM {p}categories WHERE NOT EXISTS (
		SELECT 1 FROM {p}events_categories
		WHERE {p}events_categories.category_id = {p}categories.id
	)`

	rows, err := s.db.Query(s.q("SELECT name" + where))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(s.q("DELETE" + where)); err != nil {
		return nil, err
	}
	return names, nil
}

// CleanOrphanAttendees deletes attendee rows no event references anymore
// and returns their emails. This also drops stale negative lookup cache
// entries, so a previously unknown email gets another chance to resolve.
func (s *Store) CleanOrphanAttendees() ([]string, error) {
	where := ` FROM {p}attendees WHERE NOT EXISTS (
		SELECT 1 FROM {p}events_attendees
		WHERE {p}events_attendees.email = {p}attendees.email
	)`

	rows, err := s.db.Query(s.q("SELECT email" + where))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(s.q("DELETE" + where)); err != nil {
		return nil, err
	}
	return emails, nil
}

// === Properties ===

// GetCTag returns the last collection tag persisted after a completed sync.
func (s *Store) GetCTag() (string, error) {
	var value string
	err := s.db.QueryRow(s.q(`SELECT value FROM {p}properties WHERE property = 'CTag'`)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetCTag persists the collection tag. Callers must only do this after
// all event changes for that tag have been applied.
func (s *Store) SetCTag(ctag string) error {
	_, err := s.db.Exec(s.q(`UPDATE {p}properties SET value = ? WHERE property = 'CTag'`), ctag)
	return err
}
