// Package database stores identity records, either in memory or in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/chatrelay/pkg/logging"

	_ "modernc.org/sqlite"
)

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// DB is a SQLite-backed UserStore.
type DB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single writer, serializes registrations
	logger    logging.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(ctx context.Context, path string, logger logging.Logger) (*DB, error) {
	conn, err := openConn(path, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writeConn, err := openConn(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, writeConn: writeConn, logger: logger}

	if err := runMigrations(ctx, writeConn, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func openConn(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)
	conn.SetConnMaxLifetime(5 * time.Minute)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

// CreateUser inserts the user. The insert is a single statement on the
// dedicated write connection, so the uniqueness checks cannot race.
func (db *DB) CreateUser(ctx context.Context, user *User, uniqueOrigin bool) error {
	query := `INSERT OR IGNORE INTO User (username, password_hash, origin, registered_at)
		SELECT ?, ?, ?, ?`
	args := []any{user.Username, user.PasswordHash, user.Origin, user.RegisteredAt.UnixMilli()}
	if uniqueOrigin {
		query += ` WHERE NOT EXISTS (SELECT 1 FROM User WHERE origin = ?)`
		args = append(args, user.Origin)
	}

	res, err := db.writeConn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing inserted. Users are never deleted, so whichever row blocked the
	// insert is still there.
	if _, err := db.getUser(ctx, db.writeConn, user.Username); err == nil {
		return ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	return ErrOriginTaken
}

// GetUser returns the user or ErrUserNotFound.
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	return db.getUser(ctx, db.conn, username)
}

func (db *DB) getUser(ctx context.Context, conn *sql.DB, username string) (*User, error) {
	var (
		u            User
		registeredAt int64
	)
	err := conn.QueryRowContext(ctx,
		`SELECT username, password_hash, origin, registered_at FROM User WHERE username = ?`,
		username,
	).Scan(&u.Username, &u.PasswordHash, &u.Origin, &registeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	return &u, nil
}

// CountUsers returns the number of registered users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM User`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}
