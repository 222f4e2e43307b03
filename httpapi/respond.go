package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"gigflow/auth"
	"gigflow/booking"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/job"
	"gigflow/payment"
	"gigflow/proposal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var notFoundErrors = []error{
	job.ErrNotFound,
	proposal.ErrNotFound,
	booking.ErrNotFound,
	booking.ErrJobNotFound,
	booking.ErrProposalNotFound,
	booking.ErrChangeOrderNotFound,
	booking.ErrInvoiceNotFound,
	escrow.ErrNotFound,
	escrow.ErrBookingNotFound,
	dispute.ErrNotFound,
	dispute.ErrBookingNotFound,
	auth.ErrUserNotFound,
}

var forbiddenErrors = []error{
	booking.ErrForbidden,
	escrow.ErrForbidden,
	dispute.ErrForbidden,
	job.ErrCancelForbidden,
	proposal.ErrWithdrawForbidden,
}

var conflictErrors = []error{
	booking.ErrAlreadyBooked,
	booking.ErrProposalNotAcceptable,
	booking.ErrProposalJobMismatch,
	booking.ErrInvalidState,
	booking.ErrChangeOrderPendingExists,
	booking.ErrChangeOrderDecided,
	booking.ErrInvoiceNotPayable,
	booking.ErrInvoiceDecided,
	booking.ErrHoldNotSettled,
	proposal.ErrDuplicate,
	proposal.ErrJobNotOpen,
	proposal.ErrWithdrawInvalidState,
	job.ErrCancelInvalidState,
	escrow.ErrInvalidState,
	escrow.ErrBookingClosed,
	escrow.ErrHoldNotSettled,
	dispute.ErrOpenExists,
	dispute.ErrBadStatus,
}

var badRequestErrors = []error{
	proposal.ErrOwnJob,
	proposal.ErrNotAPro,
	proposal.ErrComplianceNotApproved,
	escrow.ErrPayeeNotOnboarded,
	escrow.ErrChargeNotFound,
	auth.ErrWeakPassword,
}

// respondError maps domain errors onto HTTP statuses. Unrecognized errors are
// treated as bad requests: services validate input and the data layer wraps
// its own failures in recognizable sentinels.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case matchesAny(err, notFoundErrors):
		writeError(w, http.StatusNotFound, err.Error())
	case matchesAny(err, forbiddenErrors):
		writeError(w, http.StatusForbidden, err.Error())
	case matchesAny(err, conflictErrors):
		writeError(w, http.StatusConflict, err.Error())
	case matchesAny(err, badRequestErrors):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case isGatewayError(err):
		writeError(w, http.StatusBadGateway, "payment provider error")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isGatewayError(err error) bool {
	var gwErr *payment.GatewayError
	return errors.As(err, &gwErr)
}
