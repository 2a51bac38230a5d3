package stats

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to the database at connectionString
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open(driverPostgres, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initSchema(db, driverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres record store")

	return &PostgresStore{
		sqlStore: sqlStore{db: db, driver: driverPostgres, now: time.Now},
	}, nil
}
