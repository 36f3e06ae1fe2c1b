package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755

	// sqliteDSNParams enables a busy timeout, foreign keys and immediate
	// write transactions so concurrent turns queue instead of failing.
	sqliteDSNParams = "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
)

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	*sqlStore
	path string
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file, optionally with
// query parameters. If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	path, dsn := sqliteDSN(cfg.DSN)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection: SQLite allows a single writer, and a shared connection
	// keeps transactions from deadlocking against each other.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, err
	}
	slog.Debug("SQLite store ready", "path", path)

	return &SQLiteStore{
		sqlStore: &sqlStore{db: db, dialect: dialectSQLite, name: "SQLiteStore"},
		path:     path,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// sqliteDSN splits raw into the file path and the DSN handed to the driver,
// appending default parameters when raw has none.
func sqliteDSN(raw string) (path, dsn string) {
	path = strings.TrimPrefix(raw, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i], raw
	}
	return path, raw + "?" + sqliteDSNParams
}
