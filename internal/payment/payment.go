// Package payment talks to the external payment provider. Intent creation is an
// offer only: nothing is charged until the payer acts on the provider's page.
package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("payment not found")

type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusUnknown  Status = "unknown"
)

// ParseStatus folds the provider's status vocabulary into four verdicts.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "authorized":
		return StatusApproved
	case "pending", "in_process", "in_mediation":
		return StatusPending
	case "rejected", "cancelled", "refunded", "charged_back":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// ID accepts the provider's identifiers whether they arrive as JSON numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type Intent struct {
	IntentID    string
	RedirectURL string
}

type Payment struct {
	ID                ID              `json:"id"`
	RawStatus         string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"transaction_amount"`
	Currency          string          `json:"currency_id"`
	CreatedAt         *time.Time      `json:"date_created"`
	ApprovedAt        *time.Time      `json:"date_approved"`
}

func (p Payment) Status() Status { return ParseStatus(p.RawStatus) }

func (p Payment) at() time.Time {
	switch {
	case p.ApprovedAt != nil:
		return *p.ApprovedAt
	case p.CreatedAt != nil:
		return *p.CreatedAt
	default:
		return time.Time{}
	}
}

// Latest picks the most recent approved payment, or the most recent payment of any
// status when none is approved. ok is false for an empty list.
func Latest(ps []Payment) (p Payment, ok bool) {
	if len(ps) == 0 {
		return Payment{}, false
	}
	// providers list payments oldest first, so equal timestamps favour the later entry
	sorted := make([]Payment, 0, len(ps))
	for i := len(ps) - 1; i >= 0; i-- {
		sorted = append(sorted, ps[i])
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].at().After(sorted[j].at()) })
	for _, c := range sorted {
		if c.Status() == StatusApproved {
			return c, true
		}
	}
	return sorted[0], true
}
