package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists crawl sessions, their items, stats and events in
// SQLite. It implements crawl.ItemSink and crawl.SessionRecorder.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ crawl.ItemSink        = (*SQLiteStore)(nil)
	_ crawl.SessionRecorder = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// StartSession records a new session.
func (s *SQLiteStore) StartSession(ctx context.Context, session *crawl.Session) error {
	query := `
		INSERT INTO sessions (id, spider, status, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Spider,
		session.Status,
		session.StartedAt,
		session.FinishedAt,
		nullable(session.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// FinishSession stores the final session status together with its stats.
func (s *SQLiteStore) FinishSession(ctx context.Context, session *crawl.Session, stats map[string]int64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, finished_at = ?, error = ?
		WHERE id = ?
	`, session.Status, session.FinishedAt, nullable(session.Error), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}

	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_stats (session_id, key, value)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value
		`, session.ID, key, stats[key])
		if err != nil {
			return fmt.Errorf("failed to store stat %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*crawl.Session, error) {
	query := `
		SELECT id, spider, status, started_at, finished_at, error
		FROM sessions
		WHERE id = ?
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions retrieves sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*crawl.Session, error) {
	query := `
		SELECT id, spider, status, started_at, finished_at, error
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*crawl.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*crawl.Session, error) {
	session := &crawl.Session{}
	var finishedAt sql.NullTime
	var errMsg sql.NullString

	if err := row.Scan(
		&session.ID,
		&session.Spider,
		&session.Status,
		&session.StartedAt,
		&finishedAt,
		&errMsg,
	); err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		session.FinishedAt = &t
	}
	session.Error = errMsg.String
	return session, nil
}

// GetStats returns the stats stored for a finished session.
func (s *SQLiteStore) GetStats(ctx context.Context, sessionID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM session_stats WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int64{}
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan stat: %w", err)
		}
		stats[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}

// SaveItem stores a scraped item. The item data is encoded as JSON.
func (s *SQLiteStore) SaveItem(ctx context.Context, item *crawl.Item) error {
	data, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("failed to encode item from %s: %w", item.URL, err)
	}

	query := `
		INSERT INTO items (id, session_id, url, callback, data, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ID,
		item.SessionID,
		item.URL,
		item.Callback,
		string(data),
		item.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}

	return nil
}

// ListItems retrieves items in scrape order, optionally limited to one
// session.
func (s *SQLiteStore) ListItems(ctx context.Context, sessionID *string, limit, offset int) ([]*ItemRecord, error) {
	query := `
		SELECT id, session_id, url, callback, data, scraped_at
		FROM items
		WHERE (? IS NULL OR session_id = ?)
		ORDER BY scraped_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*ItemRecord{}
	for rows.Next() {
		item := &ItemRecord{}
		var data string
		err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.URL,
			&item.Callback,
			&data,
			&item.ScrapedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Data = json.RawMessage(data)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

// AppendEvent stores a crawl event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data *string
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(encoded)
		data = &str
	}

	query := `
		INSERT INTO events (id, session_id, type, source, url, callback, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		nullable(event.SessionID),
		event.Type,
		event.Source,
		nullable(event.URL),
		nullable(event.Callback),
		event.Level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents retrieves events with optional filters and pagination, oldest
// first.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID *string, eventType *string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, session_id, type, source, url, callback, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR session_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, sessionID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		var data sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.Type,
			&event.Source,
			&event.URL,
			&event.Callback,
			&event.Level,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			event.Data = json.RawMessage(data.String)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// RecordEvents subscribes the store to pub so that every published event is
// persisted. Write failures are passed to onError when it is set.
func (s *SQLiteStore) RecordEvents(ctx context.Context, pub *telemetry.EventPublisher, onError func(error)) {
	pub.Subscribe(func(event telemetry.Event) {
		if err := s.AppendEvent(ctx, event); err != nil && onError != nil {
			onError(fmt.Errorf("event %s: %w", event.Type, err))
		}
	}, nil)
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
