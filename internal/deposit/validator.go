// Package deposit gates installment and deposit checkouts to authenticated buyers.
package deposit

import "fmt"

// ErrCodeLoginRequired is returned when an anonymous buyer carries deposit
// line items. Clients key on it to redirect to sign-in.
const ErrCodeLoginRequired = "deposit_login_required"

type Input struct {
	BuyerID                 int64
	HasInstallmentLineItems bool
	Context                 string
}

type Decision struct {
	IsValid      bool
	ErrorCode    string
	ErrorMessage string
}

// Validate rejects deposit line items for an absent buyer regardless of
// which checkout path asks.
func Validate(in Input) Decision {
	if !in.HasInstallmentLineItems {
		return Decision{IsValid: true}
	}
	if in.BuyerID <= 0 {
		msg := "deposit and installment products require a signed-in customer account"
		if in.Context != "" {
			msg = fmt.Sprintf("%s (%s)", msg, in.Context)
		}
		return Decision{
			IsValid:      false,
			ErrorCode:    ErrCodeLoginRequired,
			ErrorMessage: msg,
		}
	}
	return Decision{IsValid: true}
}
