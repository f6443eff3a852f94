package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TimingRecord is one persisted contribution creation.
type TimingRecord struct {
	RunID   string        `json:"run_id"`
	Phase   string        `json:"phase"`
	ID      string        `json:"id"`
	Elapsed time.Duration `json:"elapsed_ns"`
	At      time.Time     `json:"at"`
}

// TimingQuery filters ListTimings. Zero values mean no filter; Limit keeps
// the most recent records.
type TimingQuery struct {
	RunID string
	ID    string
	Limit int
}

func (q TimingQuery) match(r TimingRecord) bool {
	return (q.RunID == "" || q.RunID == r.RunID) && (q.ID == "" || q.ID == r.ID)
}

// Store is the persistence API used by the diagnostics flusher and the CLI.
type Store interface {
	AppendTimings(ctx context.Context, recs []TimingRecord) error
	// ListTimings returns matching records oldest first.
	ListTimings(ctx context.Context, q TimingQuery) ([]TimingRecord, error)
	Close() error
}
