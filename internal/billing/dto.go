package billing

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// SubmitInput carries a candidate detail plus its target summary.
type SubmitInput struct {
	CollaboratorID uuid.UUID       `json:"collaborator_id" validate:"required"`
	PhoneLine      string          `json:"phone_line" validate:"required,len=10,numeric"`
	ValueServices  int64           `json:"value_services" validate:"min=0"`
	ValueDevices   int64           `json:"value_devices" validate:"min=0"`
	Fee            int64           `json:"fee" validate:"min=0"`
	Description    string          `json:"description"`
	PaidBy         *bool           `json:"paid_by" validate:"required"`
	Subsidy        decimal.Decimal `json:"subsidy"`
	Group          int16           `json:"group"`
	CICollaborator int16           `json:"ci_collaborator"`

	Account int64  `json:"account" validate:"required,min=1"`
	Period  string `json:"period" validate:"required"`
}

// Validate rejects malformed details before they reach the engine. It has no
// side effects; the engine re-checks only the subsidy/fee relation.
func (in SubmitInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{Field: fieldName(errs[0].Field()), Reason: errs[0].Tag()}
		}
		return err
	}
	if in.Subsidy.IsNegative() {
		return &ValidationError{Field: "subsidy", Reason: "must not be negative"}
	}
	if in.Subsidy.GreaterThan(decimal.NewFromInt(in.Fee)) {
		return &ValidationError{Field: "subsidy", Reason: "must not exceed fee"}
	}
	if _, err := time.Parse("2006-01-02", in.Period); err != nil {
		return &ValidationError{Field: "period", Reason: "must be a YYYY-MM-DD date"}
	}
	return nil
}

// detail builds the unattached record; TotalFee is filled by allocation.
func (in SubmitInput) detail() Detail {
	return Detail{
		CollaboratorID: in.CollaboratorID,
		PhoneLine:      in.PhoneLine,
		ValueServices:  in.ValueServices,
		ValueDevices:   in.ValueDevices,
		Fee:            in.Fee,
		Description:    in.Description,
		PaidBy:         in.PaidBy != nil && *in.PaidBy,
		Subsidy:        in.Subsidy,
		Group:          in.Group,
		CICollaborator: in.CICollaborator,
	}
}

// ReattachInput names the detail and its new target summary.
type ReattachInput struct {
	DetailID int64  `json:"-" validate:"required,min=1"`
	Account  int64  `json:"account" validate:"required,min=1"`
	Period   string `json:"period" validate:"required"`
}

// Validate checks the reattach target.
func (in ReattachInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{Field: fieldName(errs[0].Field()), Reason: errs[0].Tag()}
		}
		return err
	}
	if _, err := time.Parse("2006-01-02", in.Period); err != nil {
		return &ValidationError{Field: "period", Reason: "must be a YYYY-MM-DD date"}
	}
	return nil
}

// AuditReport compares stored totals against re-derived ones without
// mutating state. A mismatch is reported for operator inspection, never
// auto-corrected.
type AuditReport struct {
	SummaryID      int64    `json:"summary_id"`
	Account        int64    `json:"account"`
	Period         string   `json:"period"`
	Stored         Totals   `json:"stored"`
	Derived        Totals   `json:"derived"`
	DetailCount    int      `json:"detail_count"`
	Consistent     bool     `json:"consistent"`
	MismatchFields []string `json:"mismatch_fields,omitempty"`
}

func fieldName(structField string) string {
	switch structField {
	case "CollaboratorID":
		return "collaborator_id"
	case "PhoneLine":
		return "phone_line"
	case "ValueServices":
		return "value_services"
	case "ValueDevices":
		return "value_devices"
	case "PaidBy":
		return "paid_by"
	case "CICollaborator":
		return "ci_collaborator"
	case "DetailID":
		return "detail_id"
	default:
		if len(structField) > 0 {
			b := []byte(structField)
			if b[0] >= 'A' && b[0] <= 'Z' {
				b[0] += 'a' - 'A'
			}
			return string(b)
		}
		return structField
	}
}
