package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"contractwatch/internal/contract"
	logx "contractwatch/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteContractCols = `c.id, c.contract_id, c.name, c.description, c.alias, c.start_date, c.end_date,
	c.status, c.company_code, c.template_name, co.name`

func (s *sqliteStore) ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteContractCols+`
		FROM contracts c LEFT JOIN companies co ON co.code = c.company_code
		WHERE c.end_date IS NOT NULL AND c.end_date <> ''
		ORDER BY c.end_date, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []contract.Contract
	for rows.Next() {
		c, err := scanSQLContract(rows)
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

func (s *sqliteStore) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	id = strings.TrimSpace(id)
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteContractCols+`
		FROM contracts c LEFT JOIN companies co ON co.code = c.company_code
		WHERE c.id = ? OR c.contract_id = ?
		ORDER BY CASE WHEN c.id = ? THEN 0 ELSE 1 END
		LIMIT 1`, id, id, id)
	c, err := scanSQLContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Contract{}, ErrNotFound
	}
	if err != nil {
		return contract.Contract{}, err
	}
	list := []contract.Contract{c}
	if err := s.attachAdmins(ctx, list); err != nil {
		return contract.Contract{}, err
	}
	return list[0], nil
}

// attachAdmins loads admins for every company referenced in list.
func (s *sqliteStore) attachAdmins(ctx context.Context, list []contract.Contract) error {
	if len(list) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT company_code, email, name FROM company_admins ORDER BY company_code, position`)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLContract(r rowScanner) (contract.Contract, error) {
	var c contract.Contract
	var cid, desc, alias, start, end sql.NullString
	var companyCode, template, companyName sql.NullString
	var status string
	if err := r.Scan(&c.ID, &cid, &c.Name, &desc, &alias, &start, &end, &status, &companyCode, &template, &companyName); err != nil {
		return contract.Contract{}, err
	}
	c.ContractID = cid.String
	c.Description = desc.String
	c.Alias = alias.String
	c.Status = contract.Status(status)
	c.CompanyCode = companyCode.String
	c.TemplateName = template.String
	var err error
	if c.StartDate, err = contract.ParseDate(start.String); err != nil {
		return contract.Contract{}, fmt.Errorf("contract %s start_date: %w", c.ID, err)
	}
	if c.EndDate, err = contract.ParseDate(end.String); err != nil {
		return contract.Contract{}, fmt.Errorf("contract %s end_date: %w", c.ID, err)
	}
	if companyName.Valid {
		c.Company = &contract.Company{Code: c.CompanyCode, Name: companyName.String}
	}
	return c, nil
}

func (s *sqliteStore) UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE contracts SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM contracts WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) WasSent(ctx context.Context, contractID, eventType string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notification_log
		WHERE contract_id = ? AND event_type = ? AND status = ? LIMIT 1`,
		contractID, eventType, string(contract.DeliverySent)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("was sent: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error {
	e = prepareLog(e)
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_log
		(id, contract_id, event_type, reminder_window, recipient, severity, status, error, sent_key, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ContractID, e.EventType, nullStr(e.ReminderWindow), e.Recipient, nullStr(string(e.Severity)),
		string(e.Status), nullStr(e.Error), nullStr(e.SentKey), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "notification_log.sent_key") {
			return ErrDuplicateSent
		}
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, contract_id, event_type, reminder_window, recipient, severity,
		status, error, sent_key, created_at
		FROM notification_log
		WHERE (? = '' OR contract_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, contractID, contractID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notification log: %w", err)
	}
	defer rows.Close()
	var out []contract.NotificationLog
	for rows.Next() {
		var e contract.NotificationLog
		var window, severity, errStr, sentKey sql.NullString
		var status, created string
		if err := rows.Scan(&e.ID, &e.ContractID, &e.EventType, &window, &e.Recipient, &severity,
			&status, &errStr, &sentKey, &created); err != nil {
			return nil, err
		}
		e.ReminderWindow = window.String
		e.Severity = contract.Severity(severity.String)
		e.Status = contract.DeliveryStatus(status)
		e.Error = errStr.String
		e.SentKey = sentKey.String
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveCompany(ctx context.Context, c contract.Company) error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("company code is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO companies(code, name) VALUES(?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name`, c.Code, c.Name); err != nil {
		return fmt.Errorf("save company: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM company_admins WHERE company_code = ?`, c.Code); err != nil {
		return err
	}
	for i, a := range c.Admins {
		if _, err := tx.ExecContext(ctx, `INSERT INTO company_admins(company_code, position, email, name) VALUES(?,?,?,?)`,
			c.Code, i, a.Email, a.Name); err != nil {
			return fmt.Errorf("save admin: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveContract(ctx context.Context, c contract.Contract) error {
	c = prepareContract(c)
	_, err := s.db.ExecContext(ctx, `INSERT INTO contracts
		(id, contract_id, name, description, alias, start_date, end_date, status, company_code, template_name)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			contract_id = excluded.contract_id, name = excluded.name, description = excluded.description,
			alias = excluded.alias, start_date = excluded.start_date, end_date = excluded.end_date,
			status = excluded.status, company_code = excluded.company_code, template_name = excluded.template_name`,
		c.ID, nullStr(c.ContractID), c.Name, nullStr(c.Description), nullStr(c.Alias),
		nullDate(c.StartDate), nullDate(c.EndDate), string(c.Status), nullStr(c.CompanyCode), nullStr(c.TemplateName),
	)
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}
