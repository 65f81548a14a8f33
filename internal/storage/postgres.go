package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractwatch/internal/contract"
	logx "contractwatch/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const pgUniqueViolation = "23505"

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// NewPool constructs a pgx connection pool from a connection string.
func NewPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pool, err := NewPool(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const pgContractCols = `c.id, c.contract_id, c.name, c.description, c.alias, c.start_date, c.end_date,
	c.status, c.company_code, c.template_name, co.name`

func scanPGContract(r pgx.Row) (contract.Contract, error) {
	var c contract.Contract
	var cid, desc, alias, code, tmpl, coName *string
	var start, end *time.Time
	var status string
	if err := r.Scan(&c.ID, &cid, &c.Name, &desc, &alias, &start, &end, &status, &code, &tmpl, &coName); err != nil {
		return contract.Contract{}, err
	}
	c.ContractID = deref(cid)
	c.Description = deref(desc)
	c.Alias = deref(alias)
	c.StartDate = start
	c.EndDate = end
	c.Status = contract.Status(status)
	c.CompanyCode = deref(code)
	c.TemplateName = deref(tmpl)
	if coName != nil {
		c.Company = &contract.Company{Code: c.CompanyCode, Name: *coName}
	}
	return c, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *postgresStore) ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgContractCols+`
		FROM contracts c LEFT JOIN companies co ON co.code = c.company_code
		WHERE c.end_date IS NOT NULL
		ORDER BY c.end_date, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()
	var out []contract.Contract
	for rows.Next() {
		c, err := scanPGContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAdmins(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	id = strings.TrimSpace(id)
	c, err := scanPGContract(s.pool.QueryRow(ctx, `SELECT `+pgContractCols+`
		FROM contracts c LEFT JOIN companies co ON co.code = c.company_code
		WHERE c.id = $1 OR c.contract_id = $1
		ORDER BY (c.id = $1) DESC
		LIMIT 1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return contract.Contract{}, ErrNotFound
	}
	if err != nil {
		return contract.Contract{}, fmt.Errorf("get contract: %w", err)
	}
	list := []contract.Contract{c}
	if err := s.attachAdmins(ctx, list); err != nil {
		return contract.Contract{}, err
	}
	return list[0], nil
}

func (s *postgresStore) attachAdmins(ctx context.Context, list []contract.Contract) error {
	codes := make([]string, 0, len(list))
	seen := map[string]bool{}
	for _, c := range list {
		if c.Company != nil && !seen[c.Company.Code] {
			seen[c.Company.Code] = true
			codes = append(codes, c.Company.Code)
		}
	}
	if len(codes) == 0 {
		return nil
	}
	rows, err := s.pool.Query(ctx, `SELECT company_code, email, name FROM company_admins
		WHERE company_code = ANY($1) ORDER BY company_code, position`, codes)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()
	admins := map[string][]contract.Admin{}
	for rows.Next() {
		var code string
		var a contract.Admin
		if err := rows.Scan(&code, &a.Email, &a.Name); err != nil {
			return err
		}
		admins[code] = append(admins[code], a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range list {
		if list[i].Company != nil {
			list[i].Company.Admins = admins[list[i].Company.Code]
		}
	}
	return nil
}

func (s *postgresStore) UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE contracts SET status = $1 WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *postgresStore) WasSent(ctx context.Context, contractID, eventType string) (bool, error) {
	var sent bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notification_log
		WHERE contract_id = $1 AND event_type = $2 AND status = $3)`,
		contractID, eventType, string(contract.DeliverySent)).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("was sent: %w", err)
	}
	return sent, nil
}

func (s *postgresStore) AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error {
	e = prepareLog(e)
	_, err := s.pool.Exec(ctx, `INSERT INTO notification_log
		(id, contract_id, event_type, reminder_window, recipient, severity, status, error, sent_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.ContractID, e.EventType, nullStr(e.ReminderWindow), e.Recipient, nullStr(string(e.Severity)),
		string(e.Status), nullStr(e.Error), nullStr(e.SentKey), e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateSent
		}
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

func (s *postgresStore) ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, contract_id, event_type, reminder_window, recipient, severity,
		status, error, sent_key, created_at
		FROM notification_log
		WHERE ($1 = '' OR contract_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, contractID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notification log: %w", err)
	}
	defer rows.Close()
	var out []contract.NotificationLog
	for rows.Next() {
		var e contract.NotificationLog
		var window, severity, errStr, sentKey *string
		var status string
		if err := rows.Scan(&e.ID, &e.ContractID, &e.EventType, &window, &e.Recipient, &severity,
			&status, &errStr, &sentKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ReminderWindow = deref(window)
		e.Severity = contract.Severity(deref(severity))
		e.Status = contract.DeliveryStatus(status)
		e.Error = deref(errStr)
		e.SentKey = deref(sentKey)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveCompany(ctx context.Context, c contract.Company) error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("company code is required")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO companies(code, name) VALUES($1, $2)
			ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`, c.Code, c.Name); err != nil {
			return fmt.Errorf("save company: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM company_admins WHERE company_code = $1`, c.Code); err != nil {
			return err
		}
		for i, a := range c.Admins {
			if _, err := tx.Exec(ctx, `INSERT INTO company_admins(company_code, position, email, name) VALUES($1,$2,$3,$4)`,
				c.Code, i, a.Email, a.Name); err != nil {
				return fmt.Errorf("save admin: %w", err)
			}
		}
		return nil
	})
}

func (s *postgresStore) SaveContract(ctx context.Context, c contract.Contract) error {
	c = prepareContract(c)
	_, err := s.pool.Exec(ctx, `INSERT INTO contracts
		(id, contract_id, name, description, alias, start_date, end_date, status, company_code, template_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			contract_id = EXCLUDED.contract_id, name = EXCLUDED.name, description = EXCLUDED.description,
			alias = EXCLUDED.alias, start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
			status = EXCLUDED.status, company_code = EXCLUDED.company_code, template_name = EXCLUDED.template_name`,
		c.ID, nullStr(c.ContractID), c.Name, nullStr(c.Description), nullStr(c.Alias),
		c.StartDate, c.EndDate, string(c.Status), nullStr(c.CompanyCode), nullStr(c.TemplateName),
	)
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}
