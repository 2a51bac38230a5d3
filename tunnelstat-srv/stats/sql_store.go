package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Only the placeholder syntax differs between the two.
type sqlStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func (s *sqlStore) placeholders(n int) []any {
	out := make([]any, n)
	for i := range out {
		if s.driver == driverPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// Record inserts one connection record
func (s *sqlStore) Record(ctx context.Context, rec ConnectionRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	// Empty client address is stored as NULL
	var clientIP any
	if rec.ClientIP != "" {
		clientIP = rec.ClientIP
	}

	query := fmt.Sprintf(
		`INSERT INTO connections (timestamp, target_host, target_port, client_ip, connect_time)
		 VALUES (%s, %s, %s, %s, %s)`, s.placeholders(5)...)

	if _, err := s.db.ExecContext(ctx, query,
		FormatTimestamp(ts), rec.TargetHost, rec.TargetPort, clientIP, rec.ConnectTime); err != nil {
		return fmt.Errorf("failed to record connection to %s:%d: %w", rec.TargetHost, rec.TargetPort, err)
	}
	return nil
}

// GetStats counts connections per target host within the trailing window
func (s *sqlStore) GetStats(ctx context.Context, window time.Duration) (counts []HostCount, err error) {
	cutoff := FormatTimestamp(s.now().Add(-window))

	query := fmt.Sprintf(`
		SELECT target_host, COUNT(*) AS connection_count
		FROM connections
		WHERE timestamp >= %s
		GROUP BY target_host
		ORDER BY connection_count DESC, target_host ASC`, s.placeholders(1)...)

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	counts = []HostCount{}
	for rows.Next() {
		var hc HostCount
		if err := rows.Scan(&hc.Host, &hc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		counts = append(counts, hc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	return counts, nil
}

// HealthCheck checks if the database connection is healthy
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func initSchema(db *sql.DB, driver string) error {
	initializer := NewSchemaInitializer(db, driver)
	if err := initializer.InitializeSchema(); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	return nil
}
