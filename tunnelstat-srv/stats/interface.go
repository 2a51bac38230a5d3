package stats

import (
	"context"
	"time"
)

// TimestampLayout is the stored form of ConnectionRecord.Timestamp. It is UTC
// and fixed width, so comparing the TEXT column orders rows chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// UnknownClientIP is recorded when the peer address cannot be determined.
const UnknownClientIP = "unknown"

// ConnectionRecord is written once per successfully parsed CONNECT request.
type ConnectionRecord struct {
	Timestamp  time.Time
	TargetHost string // as given by the client, brackets included
	TargetPort int
	ClientIP   string // empty is stored as NULL
	// ConnectTime is the seconds elapsed from accept to handshake completion.
	ConnectTime float64
}

// HostCount is one row of a stats report.
type HostCount struct {
	Host  string `json:"host"`
	Count int64  `json:"count"`
}

// Recorder persists connection records.
type Recorder interface {
	// Record stores rec synchronously. The row is durable when it returns nil.
	Record(ctx context.Context, rec ConnectionRecord) error
}

// Reporter aggregates stored records.
type Reporter interface {
	// GetStats counts records newer than now-window per target host,
	// ordered by count descending, then host ascending.
	GetStats(ctx context.Context, window time.Duration) ([]HostCount, error)
}

// Store is a record backend usable by both the proxy and the report command.
type Store interface {
	Recorder
	Reporter

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}
