package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocate splits a line's base fee between the collaborator and the company.
//
// When the collaborator pays directly (paidBy true) they owe the fee minus
// whatever subsidy the company grants. When the company carries the line
// (paidBy false) the collaborator only owes the subsidy floor and the company
// absorbs the remainder. Either way the result is clamped into [0, fee].
//
// Fractional subsidies are settled to whole monetary units, rounding half
// away from zero. The validator rejects subsidy > fee before this point; the
// check is repeated here because allocation is the last gate before a total
// is persisted.
func Allocate(fee int64, paidBy bool, subsidy decimal.Decimal) (int64, error) {
	if fee < 0 {
		return 0, fmt.Errorf("%w: negative fee %d", ErrAllocation, fee)
	}
	if subsidy.IsNegative() {
		return 0, fmt.Errorf("%w: negative subsidy %s", ErrAllocation, subsidy)
	}
	feeDec := decimal.NewFromInt(fee)
	if subsidy.GreaterThan(feeDec) {
		return 0, fmt.Errorf("%w: subsidy %s > fee %d", ErrAllocation, subsidy, fee)
	}
	var owed decimal.Decimal
	if paidBy {
		owed = feeDec.Sub(subsidy)
	} else {
		owed = subsidy
	}
	total := owed.Round(0).IntPart()
	if total < 0 {
		total = 0
	}
	if total > fee {
		total = fee
	}
	return total, nil
}
