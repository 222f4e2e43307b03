package payment

import (
	"context"
	"errors"
	"fmt"
)

// Hold is a provider-side authorization to charge a payer. Funds are only
// considered secured once the hold is confirmed.
type Hold struct {
	ID           string
	ClientSecret string
	Status       string
}

// Hold statuses in which the payer can still complete payment. Anything else
// means the hold is spent, failed, or cancelled and a new one must be created.
const (
	HoldRequiresPaymentMethod = "requires_payment_method"
	HoldRequiresConfirmation  = "requires_confirmation"
	HoldRequiresAction        = "requires_action"
	HoldSucceeded             = "succeeded"
)

// Actionable reports whether the payer can still complete payment on this hold.
func (h Hold) Actionable() bool {
	switch h.Status {
	case HoldRequiresPaymentMethod, HoldRequiresConfirmation, HoldRequiresAction:
		return true
	default:
		return false
	}
}

// Transfer is a movement of already-charged funds to a payee's payout account.
type Transfer struct {
	ID string
}

// ErrChargeNotFound signals that no successful charge backs the given hold.
var ErrChargeNotFound = errors.New("payment: no successful charge for hold")

// GatewayError wraps a failed provider call. The persisted state of the caller
// must be unchanged when one is returned, so retrying is safe unless the
// failure was a timeout, in which case the outcome is unknown and must be
// reconciled via a retrieve before any retry.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment: %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment: %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Gateway is the port to the external payment processor. Amounts cross this
// boundary in decimal currency units; implementations own the conversion to
// the provider's minor units.
type Gateway interface {
	// CreateHold opens a new payment hold for the given amount and returns it
	// together with the client confirmation secret.
	CreateHold(ctx context.Context, amount float64, currency string, payerRef string, metadata map[string]string) (Hold, error)
	// RetrieveHold fetches the current state of an existing hold.
	RetrieveHold(ctx context.Context, holdID string) (Hold, error)
	// ConfirmHold confirms a hold server-side.
	ConfirmHold(ctx context.Context, holdID string) (Hold, error)
	// ResolveCharge returns the id of the latest successful charge backing the
	// hold, or ErrChargeNotFound.
	ResolveCharge(ctx context.Context, holdID string) (string, error)
	// CreateTransfer moves already-charged funds to the payee's payout
	// account, sourced against a specific charge.
	CreateTransfer(ctx context.Context, amount float64, currency string, payoutAccountID string, sourceChargeID string, metadata map[string]string) (Transfer, error)
}
