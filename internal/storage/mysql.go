package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"contractwatch/internal/contract"
	logx "contractwatch/pkg/logx"
)

type mysqlCompany struct {
	Code string `gorm:"primaryKey;size:64"`
	Name string `gorm:"size:255;not null;default:''"`
}

func (mysqlCompany) TableName() string { return "companies" }

type mysqlAdmin struct {
	CompanyCode string `gorm:"primaryKey;size:64"`
	Position    int    `gorm:"primaryKey"`
	Email       string `gorm:"size:255;not null"`
	Name        string `gorm:"size:255;not null;default:''"`
}

func (mysqlAdmin) TableName() string { return "company_admins" }

type mysqlContract struct {
	ID           string     `gorm:"primaryKey;size:64"`
	ContractID   *string    `gorm:"size:64;index"`
	Name         string     `gorm:"size:255;not null;default:''"`
	Description  *string    `gorm:"type:text"`
	Alias        *string    `gorm:"size:255"`
	StartDate    *time.Time `gorm:"type:date"`
	EndDate      *time.Time `gorm:"type:date;index"`
	Status       string     `gorm:"size:32;not null"`
	CompanyCode  *string    `gorm:"size:64"`
	TemplateName *string    `gorm:"size:255"`
}

func (mysqlContract) TableName() string { return "contracts" }

type mysqlNotification struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ContractID     string    `gorm:"size:64;not null;index:idx_notification_log_pair,priority:1"`
	EventType      string    `gorm:"size:64;not null;index:idx_notification_log_pair,priority:2"`
	ReminderWindow *string   `gorm:"size:32"`
	Recipient      string    `gorm:"size:255;not null;default:''"`
	Severity       *string   `gorm:"size:16"`
	Status         string    `gorm:"size:16;not null;index:idx_notification_log_pair,priority:3"`
	Error          *string   `gorm:"type:text"`
	SentKey        *string   `gorm:"size:191;uniqueIndex"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (mysqlNotification) TableName() string { return "notification_log" }

type mysqlStore struct {
	db  *gorm.DB
	log logx.Logger
}

// gormWriter routes gorm's logger into logx at debug level.
type gormWriter struct{ log logx.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), logx.String("component", "gorm"))
}

// openMySQL expects a go-sql-driver DSN with parseTime=true, e.g.
// user:pass@tcp(host:3306)/contracts?charset=utf8mb4&parseTime=True&loc=UTC
func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql: empty dsn")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(gormWriter{log: log}, logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Warn,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if cfg.MaxConns > 0 {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(cfg.MaxConns)
		}
	}
	if err := db.AutoMigrate(&mysqlCompany{}, &mysqlAdmin{}, &mysqlContract{}, &mysqlNotification{}); err != nil {
		return nil, fmt.Errorf("mysql: migrate: %w", err)
	}
	return &mysqlStore{db: db, log: log}, nil
}

func (s *mysqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func strPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func (s *mysqlStore) hydrate(ctx context.Context, rows []mysqlContract) ([]contract.Contract, error) {
	codes := map[string]bool{}
	for _, r := range rows {
		if r.CompanyCode != nil {
			codes[*r.CompanyCode] = true
		}
	}
	companies := map[string]*contract.Company{}
	if len(codes) > 0 {
		keys := make([]string, 0, len(codes))
		for k := range codes {
			keys = append(keys, k)
		}
		var cos []mysqlCompany
		if err := s.db.WithContext(ctx).Where("code IN ?", keys).Find(&cos).Error; err != nil {
			return nil, fmt.Errorf("load companies: %w", err)
		}
		for _, co := range cos {
			companies[co.Code] = &contract.Company{Code: co.Code, Name: co.Name}
		}
		var admins []mysqlAdmin
		if err := s.db.WithContext(ctx).Where("company_code IN ?", keys).Order("company_code, position").Find(&admins).Error; err != nil {
			return nil, fmt.Errorf("load admins: %w", err)
		}
		for _, a := range admins {
			if co, ok := companies[a.CompanyCode]; ok {
				co.Admins = append(co.Admins, contract.Admin{Email: a.Email, Name: a.Name})
			}
		}
	}

	out := make([]contract.Contract, 0, len(rows))
	for _, r := range rows {
		c := contract.Contract{
			ID:           r.ID,
			ContractID:   deref(r.ContractID),
			Name:         r.Name,
			Description:  deref(r.Description),
			Alias:        deref(r.Alias),
			StartDate:    dateOnly(r.StartDate),
			EndDate:      dateOnly(r.EndDate),
			Status:       contract.Status(r.Status),
			CompanyCode:  deref(r.CompanyCode),
			TemplateName: deref(r.TemplateName),
		}
		if co, ok := companies[c.CompanyCode]; ok {
			cp := *co
			cp.Admins = append([]contract.Admin(nil), co.Admins...)
			c.Company = &cp
		}
		out = append(out, c)
	}
	return out, nil
}

// dateOnly drops the driver's location so a DATE column reads back as the
// same calendar day everywhere.
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &u
}

func (s *mysqlStore) ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error) {
	var rows []mysqlContract
	if err := s.db.WithContext(ctx).Where("end_date IS NOT NULL").Order("end_date, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *mysqlStore) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	id = strings.TrimSpace(id)
	var row mysqlContract
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).Where("contract_id = ?", id).Take(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contract.Contract{}, ErrNotFound
	}
	if err != nil {
		return contract.Contract{}, fmt.Errorf("get contract: %w", err)
	}
	list, err := s.hydrate(ctx, []mysqlContract{row})
	if err != nil {
		return contract.Contract{}, err
	}
	return list[0], nil
}

func (s *mysqlStore) UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error) {
	res := s.db.WithContext(ctx).Model(&mysqlContract{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&mysqlContract{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *mysqlStore) WasSent(ctx context.Context, contractID, eventType string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&mysqlNotification{}).
		Where("contract_id = ? AND event_type = ? AND status = ?", contractID, eventType, string(contract.DeliverySent)).
		Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("was sent: %w", err)
	}
	return n > 0, nil
}

func (s *mysqlStore) AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error {
	e = prepareLog(e)
	row := mysqlNotification{
		ID:             e.ID,
		ContractID:     e.ContractID,
		EventType:      e.EventType,
		ReminderWindow: strPtr(e.ReminderWindow),
		Recipient:      e.Recipient,
		Severity:       strPtr(string(e.Severity)),
		Status:         string(e.Status),
		Error:          strPtr(e.Error),
		SentKey:        strPtr(e.SentKey),
		CreatedAt:      e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSent
		}
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

func (s *mysqlStore) ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(clampLimit(limit))
	if contractID != "" {
		q = q.Where("contract_id = ?", contractID)
	}
	var rows []mysqlNotification
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notification log: %w", err)
	}
	out := make([]contract.NotificationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, contract.NotificationLog{
			ID:             r.ID,
			ContractID:     r.ContractID,
			EventType:      r.EventType,
			ReminderWindow: deref(r.ReminderWindow),
			Recipient:      r.Recipient,
			Severity:       contract.Severity(deref(r.Severity)),
			Status:         contract.DeliveryStatus(r.Status),
			Error:          deref(r.Error),
			SentKey:        deref(r.SentKey),
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (s *mysqlStore) SaveCompany(ctx context.Context, c contract.Company) error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("company code is required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&mysqlCompany{Code: c.Code, Name: c.Name}).Error; err != nil {
			return fmt.Errorf("save company: %w", err)
		}
		if err := tx.Where("company_code = ?", c.Code).Delete(&mysqlAdmin{}).Error; err != nil {
			return err
		}
		for i, a := range c.Admins {
			if err := tx.Create(&mysqlAdmin{CompanyCode: c.Code, Position: i, Email: a.Email, Name: a.Name}).Error; err != nil {
				return fmt.Errorf("save admin: %w", err)
			}
		}
		return nil
	})
}

func (s *mysqlStore) SaveContract(ctx context.Context, c contract.Contract) error {
	c = prepareContract(c)
	row := mysqlContract{
		ID:           c.ID,
		ContractID:   strPtr(c.ContractID),
		Name:         c.Name,
		Description:  strPtr(c.Description),
		Alias:        strPtr(c.Alias),
		StartDate:    c.StartDate,
		EndDate:      c.EndDate,
		Status:       string(c.Status),
		CompanyCode:  strPtr(c.CompanyCode),
		TemplateName: strPtr(c.TemplateName),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}
