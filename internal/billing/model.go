package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Detail is one billable phone-line item for a collaborator in a period.
// TotalFee is derived by the allocation rule and never set by callers.
type Detail struct {
	ID             int64
	SummaryID      *int64
	CollaboratorID uuid.UUID
	PhoneLine      string
	ValueServices  int64
	ValueDevices   int64
	Fee            int64
	TotalFee       int64
	Description    string
	PaidBy         bool
	Subsidy        decimal.Decimal
	Group          int16
	CICollaborator int16
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attached reports whether the detail currently belongs to a summary.
func (d Detail) Attached() bool {
	return d.SummaryID != nil
}

// CompanyShare is the portion of the base fee the company absorbed.
func (d Detail) CompanyShare() decimal.Decimal {
	return decimal.NewFromInt(d.Fee - d.TotalFee)
}

// Summary is the per-account, per-period rollup of its attached details.
// The three totals are derived fields kept equal to the aggregation of the
// attached set by Recompute; they are never written directly.
type Summary struct {
	ID             int64
	Account        int64
	Period         string
	EquipmentTotal decimal.Decimal
	ServiceTotal   decimal.Decimal
	CompanyTotal   decimal.Decimal
	Details        []Detail
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Empty reports whether the summary has no attached details.
func (s Summary) Empty() bool {
	return len(s.Details) == 0
}

// Totals carries the three derived rollup values.
type Totals struct {
	Equipment decimal.Decimal `json:"equipment_total"`
	Service   decimal.Decimal `json:"service_total"`
	Company   decimal.Decimal `json:"company_total"`
}

// Equal compares totals value-wise.
func (t Totals) Equal(other Totals) bool {
	return t.Equipment.Equal(other.Equipment) &&
		t.Service.Equal(other.Service) &&
		t.Company.Equal(other.Company)
}

// computeTotals derives the rollup from the full attached set. Every write
// path goes through this single routine; totals are never patched
// incrementally, so stored values cannot drift from the details.
func computeTotals(details []Detail) Totals {
	totals := Totals{
		Equipment: decimal.Zero,
		Service:   decimal.Zero,
		Company:   decimal.Zero,
	}
	for _, d := range details {
		totals.Equipment = totals.Equipment.Add(decimal.NewFromInt(d.ValueDevices))
		totals.Service = totals.Service.Add(decimal.NewFromInt(d.ValueServices))
		totals.Company = totals.Company.Add(d.CompanyShare())
	}
	return totals
}

// StoredTotals returns the totals currently persisted on the summary row.
func (s Summary) StoredTotals() Totals {
	return Totals{
		Equipment: s.EquipmentTotal,
		Service:   s.ServiceTotal,
		Company:   s.CompanyTotal,
	}
}
