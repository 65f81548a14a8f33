package storage

import (
	"context"
	"errors"
	"time"

	"contractwatch/internal/contract"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateSent is returned by AppendNotificationLog when a Sent row
	// with the same sent key already exists.
	ErrDuplicateSent = errors.New("storage: duplicate sent notification")
	ErrClosed        = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot of contracts plus a JSONL notification journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx pool
//   - "mysql": MySQL through gorm
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres / mysql pool size; 0 means driver default
}

// Store is the persistence API the scheduler and the HTTP surface use.
type Store interface {
	// ListContractsWithEndDate returns every contract that has an end date,
	// joined with its company and admins, ordered by end date then id.
	ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error)
	// GetContract looks a contract up by store id or business contract id.
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	// UpdateContractStatus sets the status to `to` only when it is currently
	// `from`. It reports whether a row changed.
	UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error)

	WasSent(ctx context.Context, contractID, eventType string) (bool, error)
	AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error
	// ListNotificationLogs returns the newest rows first. limit <= 0 means
	// DefaultLogLimit.
	ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error)

	SaveCompany(ctx context.Context, c contract.Company) error
	SaveContract(ctx context.Context, c contract.Contract) error

	Close() error
}

const DefaultLogLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
