// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor of a SQLLogStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var schemas = map[Dialect]string{
	DialectPostgres: `CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		content    TEXT NOT NULL,
		role       VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	DialectSQLite: `CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		content    TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

var inserts = map[Dialect]string{
	DialectPostgres: `INSERT INTO messages (content, role, created_at) VALUES ($1, $2, $3)`,
	DialectSQLite:   `INSERT INTO messages (content, role, created_at) VALUES (?, ?, ?)`,
}

// PostgresConfig holds the connection settings for the chat log database.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// MaxOpenConns caps the pool. Zero means 10.
	MaxOpenConns int
}

// DSN returns the connection URL understood by pgx.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// SQLLogStore appends chat turns to a "messages" table.
type SQLLogStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLLogStore wraps an open database. The store owns db from now on.
func NewSQLLogStore(db *sql.DB, dialect Dialect) (*SQLLogStore, error) {
	if _, ok := inserts[dialect]; !ok {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	return &SQLLogStore{db: db, dialect: dialect}, nil
}

// OpenPostgres connects to the chat log database through pgx.
//
// The table is expected to exist; run Migrate once when provisioning.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*SQLLogStore, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &SQLLogStore{db: db, dialect: DialectPostgres}, nil
}

// OpenSQLite opens a SQLite chat log at path and creates the table.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLLogStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite serializes writers; one connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	store := &SQLLogStore{db: db, dialect: DialectSQLite}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the messages table if it does not exist.
func (s *SQLLogStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemas[s.dialect]); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// Append implements LogStore.
func (s *SQLLogStore) Append(ctx context.Context, record LogRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, inserts[s.dialect],
		record.Content, string(record.Role), record.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert %s message: %w", record.Role, err)
	}
	return nil
}

// Close implements LogStore.
func (s *SQLLogStore) Close() error {
	return s.db.Close()
}

var _ LogStore = (*SQLLogStore)(nil)
