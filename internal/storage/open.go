package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"contractwatch/internal/contract"
	logx "contractwatch/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "file", "":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// prepareLog fills the id and timestamp of a new log row and normalizes the
// sent key: only Sent rows keep one.
func prepareLog(e contract.NotificationLog) contract.NotificationLog {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status != contract.DeliverySent {
		e.SentKey = ""
	}
	return e
}

func prepareContract(c contract.Contract) contract.Contract {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = contract.StatusDraft
	}
	if c.CompanyCode == "" && c.Company != nil {
		c.CompanyCode = c.Company.Code
	}
	return c
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(contract.DateLayout)
}
