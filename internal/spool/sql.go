package spool

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/elemta-core/internal/mail"
)

// Dialect names accepted by OpenSQL; they double as database/sql driver names.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// SQLBackend stores entries in the spool_entries table, one row per
// (queue, id). Several queues can share a database.
type SQLBackend struct {
	db      *sql.DB
	dialect string
	queue   string
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQL opens a database and creates the spool schema.
func OpenSQL(dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	if _, err := db.Exec(schema(dialect)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
	}
	return db, nil
}

func schema(dialect string) string {
	blob := "BLOB"
	switch dialect {
	case DialectPostgres:
		blob = "BYTEA"
	case DialectMySQL:
		blob = "LONGBLOB"
	}
	return `CREATE TABLE IF NOT EXISTS spool_entries (
		queue VARCHAR(64) NOT NULL,
		id VARCHAR(255) NOT NULL,
		state VARCHAR(64) NOT NULL,
		data ` + blob + ` NOT NULL,
		PRIMARY KEY (queue, id)
	)`
}

// NewSQLBackend returns the view of db holding one queue's entries.
func NewSQLBackend(db *sql.DB, dialect, queue string) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect, queue: queue}
}

// bind rewrites ? placeholders for PostgreSQL.
func (b *SQLBackend) bind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Put implements Backend.
func (b *SQLBackend) Put(m *mail.Mail) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mail: %w", err)
	}

	var query string
	switch b.dialect {
	case DialectMySQL:
		query = `INSERT INTO spool_entries (queue, id, state, data) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE state = VALUES(state), data = VALUES(data)`
	default:
		query = `INSERT INTO spool_entries (queue, id, state, data) VALUES (?, ?, ?, ?)
			ON CONFLICT (queue, id) DO UPDATE SET state = excluded.state, data = excluded.data`
	}

	if _, err := b.db.Exec(b.bind(query), b.queue, m.ID, m.State, data); err != nil {
		return fmt.Errorf("failed to upsert spool entry: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *SQLBackend) Get(id string) (*mail.Mail, error) {
	var data []byte
	err := b.db.QueryRow(b.bind(`SELECT data FROM spool_entries WHERE queue = ? AND id = ?`), b.queue, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query spool entry: %w", err)
	}

	var m mail.Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mail: %w", err)
	}
	return &m, nil
}

// Delete implements Backend.
func (b *SQLBackend) Delete(id string) error {
	res, err := b.db.Exec(b.bind(`DELETE FROM spool_entries WHERE queue = ? AND id = ?`), b.queue, id)
	if err != nil {
		return fmt.Errorf("failed to delete spool entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys implements Backend.
func (b *SQLBackend) Keys() ([]string, error) {
	rows, err := b.db.Query(b.bind(`SELECT id FROM spool_entries WHERE queue = ? ORDER BY id`), b.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan spool id: %w", err)
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}
