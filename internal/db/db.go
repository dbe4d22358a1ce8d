package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable marks failures of the backing store. Callers see it
// wrapped together with the driver error.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Dialect names the SQL backend behind a Database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Database struct {
	Conn    *sql.DB
	Dialect Dialect
	Clock   *Clock
}

// NewDatabase connects to PostgreSQL through the pgx stdlib driver.
func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn, Dialect: Postgres, Clock: NewClock()}, nil
}

// NewSQLiteDatabase opens (and creates if needed) a SQLite database file.
// Used for single-node deployments and tests.
func NewSQLiteDatabase(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	// SQLite allows one writer at a time; a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	return &Database{Conn: conn, Dialect: SQLite, Clock: NewClock()}, nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. The statements are valid on both
// PostgreSQL and SQLite; timestamps are unix microseconds in BIGINT columns.
func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL DEFAULT '',
            avatar TEXT NOT NULL DEFAULT '',
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS rooms (
            id TEXT PRIMARY KEY,
            user_a TEXT NOT NULL,
            user_b TEXT NOT NULL,
            last_message_id TEXT,
            last_message_at BIGINT,
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL,
            UNIQUE (user_a, user_b)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_user_a ON rooms (user_a)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_user_b ON rooms (user_b)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            room_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            client_message_id TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL DEFAULT 'text',
            body TEXT,
            file_ref TEXT,
            metadata TEXT,
            status TEXT NOT NULL DEFAULT 'sent',
            created_at BIGINT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender_created ON messages (sender_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS read_receipts (
            room_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            last_read_at BIGINT NOT NULL,
            last_read_message_id TEXT,
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL,
            PRIMARY KEY (room_id, user_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_read_receipts_user ON read_receipts (user_id)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Unavailable wraps a driver error so that errors.Is(err, ErrStorageUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Placeholders renders n positional parameters starting at $start, e.g. "$2, $3, $4".
func Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

// Unique drops empty and repeated ids, keeping the first occurrence order.
func Unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
