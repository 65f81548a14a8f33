package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"contractwatch/internal/contract"
	logx "contractwatch/pkg/logx"
)

// fileStore keeps everything in memory and persists to two files:
//   - <prefix>.contracts.json     (companies + contracts, rewritten atomically)
//   - <prefix>.notifications.jsonl (append-only notification journal)
//
// It is meant for single-process deployments and tests.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	companies map[string]contract.Company
	contracts map[string]fileContract
	logs      []contract.NotificationLog
	sentKeys  map[string]struct{}
	sentPairs map[string]struct{}
}

type fileContract struct {
	ID           string          `json:"id"`
	ContractID   string          `json:"contract_id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	StartDate    string          `json:"start_date,omitempty"`
	EndDate      string          `json:"end_date,omitempty"`
	Status       contract.Status `json:"status"`
	CompanyCode  string          `json:"company_code,omitempty"`
	TemplateName string          `json:"template_name,omitempty"`
}

type fileSnapshot struct {
	Companies []contract.Company `json:"companies"`
	Contracts []fileContract     `json:"contracts"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".contracts.json",
		companies:    map[string]contract.Company{},
		contracts:    map[string]fileContract{},
		sentKeys:     map[string]struct{}{},
		sentPairs:    map[string]struct{}{},
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.snapshotPath, err)
	}
	journalPath := prefix + ".notifications.jsonl"
	if err := s.replayJournal(journalPath); err != nil {
		return nil, fmt.Errorf("replay %s: %w", journalPath, err)
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, c := range snap.Companies {
		s.companies[c.Code] = c
	}
	for _, c := range snap.Contracts {
		s.contracts[c.ID] = c
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e contract.NotificationLog
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn last line after a crash is skipped.
			s.log.Warn("skipping bad journal line", logx.String("path", path), logx.Err(err))
			continue
		}
		s.indexLocked(e)
	}
	return sc.Err()
}

func (s *fileStore) indexLocked(e contract.NotificationLog) {
	s.logs = append(s.logs, e)
	if e.Status != contract.DeliverySent {
		return
	}
	if e.SentKey != "" {
		s.sentKeys[e.SentKey] = struct{}{}
	}
	s.sentPairs[e.ContractID+"|"+e.EventType] = struct{}{}
}

// writeSnapshotLocked persists companies and contracts via tmp file + rename.
func (s *fileStore) writeSnapshotLocked() error {
	snap := fileSnapshot{
		Companies: make([]contract.Company, 0, len(s.companies)),
		Contracts: make([]fileContract, 0, len(s.contracts)),
	}
	for _, c := range s.companies {
		snap.Companies = append(snap.Companies, c)
	}
	for _, c := range s.contracts {
		snap.Contracts = append(snap.Contracts, c)
	}
	sort.Slice(snap.Companies, func(i, j int) bool { return snap.Companies[i].Code < snap.Companies[j].Code })
	sort.Slice(snap.Contracts, func(i, j int) bool { return snap.Contracts[i].ID < snap.Contracts[j].ID })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) toContractLocked(fc fileContract) (contract.Contract, error) {
	start, err := contract.ParseDate(fc.StartDate)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("contract %s start_date: %w", fc.ID, err)
	}
	end, err := contract.ParseDate(fc.EndDate)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("contract %s end_date: %w", fc.ID, err)
	}
	c := contract.Contract{
		ID:           fc.ID,
		ContractID:   fc.ContractID,
		Name:         fc.Name,
		Description:  fc.Description,
		Alias:        fc.Alias,
		StartDate:    start,
		EndDate:      end,
		Status:       fc.Status,
		CompanyCode:  fc.CompanyCode,
		TemplateName: fc.TemplateName,
	}
	if co, ok := s.companies[fc.CompanyCode]; ok {
		co.Admins = append([]contract.Admin(nil), co.Admins...)
		c.Company = &co
	}
	return c, nil
}

func (s *fileStore) ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]contract.Contract, 0, len(s.contracts))
	for _, fc := range s.contracts {
		if fc.EndDate == "" {
			continue
		}
		c, err := s.toContractLocked(fc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].EndDate, out[j].EndDate
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) findLocked(id string) (fileContract, bool) {
	if fc, ok := s.contracts[id]; ok {
		return fc, true
	}
	for _, fc := range s.contracts {
		if fc.ContractID != "" && fc.ContractID == id {
			return fc, true
		}
	}
	return fileContract{}, false
}

func (s *fileStore) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return contract.Contract{}, ErrClosed
	}
	fc, ok := s.findLocked(strings.TrimSpace(id))
	if !ok {
		return contract.Contract{}, ErrNotFound
	}
	return s.toContractLocked(fc)
}

func (s *fileStore) UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	fc, ok := s.contracts[id]
	if !ok {
		return false, ErrNotFound
	}
	if fc.Status != from {
		return false, nil
	}
	fc.Status = to
	s.contracts[id] = fc
	if err := s.writeSnapshotLocked(); err != nil {
		fc.Status = from
		s.contracts[id] = fc
		return false, err
	}
	return true, nil
}

func (s *fileStore) WasSent(ctx context.Context, contractID, eventType string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.sentPairs[contractID+"|"+eventType]
	return ok, nil
}

func (s *fileStore) AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error {
	_ = ctx
	e = prepareLog(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if e.SentKey != "" {
		if _, dup := s.sentKeys[e.SentKey]; dup {
			return ErrDuplicateSent
		}
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.indexLocked(e)
	return nil
}

func (s *fileStore) ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error) {
	_ = ctx
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]contract.NotificationLog, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if contractID == "" || s.logs[i].ContractID == contractID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

func (s *fileStore) SaveCompany(ctx context.Context, c contract.Company) error {
	_ = ctx
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("company code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	c.Admins = append([]contract.Admin(nil), c.Admins...)
	s.companies[c.Code] = c
	return s.writeSnapshotLocked()
}

func (s *fileStore) SaveContract(ctx context.Context, c contract.Contract) error {
	_ = ctx
	c = prepareContract(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.contracts[c.ID] = fileContract{
		ID:           c.ID,
		ContractID:   c.ContractID,
		Name:         c.Name,
		Description:  c.Description,
		Alias:        c.Alias,
		StartDate:    contract.FormatDate(c.StartDate),
		EndDate:      contract.FormatDate(c.EndDate),
		Status:       c.Status,
		CompanyCode:  c.CompanyCode,
		TemplateName: c.TemplateName,
	}
	return s.writeSnapshotLocked()
}
