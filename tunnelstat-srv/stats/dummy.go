package stats

import (
	"context"
	"time"
)

// DummyStore is a no-op implementation of Store
// It is used when statistics collection is disabled
type DummyStore struct{}

// NewDummyStore creates a new dummy store
func NewDummyStore() *DummyStore {
	return &DummyStore{}
}

// Record discards the record (no-op)
func (d *DummyStore) Record(ctx context.Context, rec ConnectionRecord) error {
	return nil
}

// GetStats always returns an empty report
func (d *DummyStore) GetStats(ctx context.Context, window time.Duration) ([]HostCount, error) {
	return []HostCount{}, nil
}

// HealthCheck always reports healthy
func (d *DummyStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (d *DummyStore) Close() error {
	return nil
}
