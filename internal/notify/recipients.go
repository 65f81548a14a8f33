package notify

import (
	"net/mail"
	"strings"

	"contractwatch/internal/contract"
)

// ResolveRecipients returns one address per admin of the contract's company,
// in admin order. Blank and unparsable addresses are dropped and duplicates
// (case-insensitive) keep their first position. An empty result is not an
// error.
func ResolveRecipients(c contract.Contract) []string {
	if c.Company == nil {
		return nil
	}
	out := make([]string, 0, len(c.Company.Admins))
	seen := make(map[string]struct{}, len(c.Company.Admins))
	for _, a := range c.Company.Admins {
		raw := strings.TrimSpace(a.Email)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			continue
		}
		key := strings.ToLower(addr.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr.Address)
	}
	return out
}
