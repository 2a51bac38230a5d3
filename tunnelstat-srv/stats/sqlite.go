package stats

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteBusyTimeoutMS lets concurrent tunnel handlers wait for the write lock
// instead of failing with SQLITE_BUSY.
const sqliteBusyTimeoutMS = 5000

// SQLiteStore implements Store using SQLite as the backend
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	inMemory := dbPath == ":memory:"
	if !inMemory && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverSQLite, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := initSchema(db, driverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite record store at %s", dbPath)

	return &SQLiteStore{
		sqlStore: sqlStore{db: db, driver: driverSQLite, now: time.Now},
		path:     dbPath,
	}, nil
}

// Path returns the database location the store was opened with
func (s *SQLiteStore) Path() string {
	return s.path
}

func sqliteDSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dbPath, sep, sqliteBusyTimeoutMS)
}
