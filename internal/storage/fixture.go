package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"contractwatch/internal/contract"
)

// Fixture is the import format used by `contractwatch -seed`.
//
//	{
//	  "companies": [{"code": "ACME", "name": "Acme", "admins": [{"email": "ops@acme.test"}]}],
//	  "contracts": [{"id": "c1", "contractId": "C-001", "name": "Hosting",
//	                 "endDate": "2026-11-01", "status": "Approved", "companyCode": "ACME"}]
//	}
type Fixture struct {
	Companies []contract.Company `json:"companies"`
	Contracts []FixtureContract  `json:"contracts"`
}

// FixtureContract carries dates as YYYY-MM-DD strings.
type FixtureContract struct {
	ID           string          `json:"id"`
	ContractID   string          `json:"contractId,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	StartDate    string          `json:"startDate,omitempty"`
	EndDate      string          `json:"endDate,omitempty"`
	Status       contract.Status `json:"status"`
	CompanyCode  string          `json:"companyCode,omitempty"`
	TemplateName string          `json:"templateName,omitempty"`
}

// Seed imports a fixture into the store. Existing rows with the same keys
// are overwritten. It returns the number of companies and contracts saved.
func Seed(ctx context.Context, st Store, r io.Reader) (int, int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return 0, 0, fmt.Errorf("decode fixture: %w", err)
	}

	for _, co := range fx.Companies {
		if err := st.SaveCompany(ctx, co); err != nil {
			return 0, 0, fmt.Errorf("company %s: %w", co.Code, err)
		}
	}
	for i, fc := range fx.Contracts {
		start, err := contract.ParseDate(fc.StartDate)
		if err != nil {
			return len(fx.Companies), i, fmt.Errorf("contract %s startDate: %w", fc.ID, err)
		}
		end, err := contract.ParseDate(fc.EndDate)
		if err != nil {
			return len(fx.Companies), i, fmt.Errorf("contract %s endDate: %w", fc.ID, err)
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
		if err := st.SaveContract(ctx, c); err != nil {
			return len(fx.Companies), i, fmt.Errorf("contract %s: %w", fc.ID, err)
		}
	}
	return len(fx.Companies), len(fx.Contracts), nil
}
