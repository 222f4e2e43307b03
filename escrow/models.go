package escrow

import "time"

// Status represents the lifecycle of a milestone.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Milestone mirrors the milestones table. Amount and currency are immutable
// after creation; price amendments flow through change orders on the booking.
type Milestone struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"booking_id"`
	Description string     `json:"description"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"due_date"`
	HoldID      *string    `json:"hold_id"`
	TransferID  *string    `json:"transfer_id"`
	FundedAt    *time.Time `json:"funded_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	ReleasedAt  *time.Time `json:"released_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FundingState is the typed view of where a milestone's money stands.
type FundingState interface{ fundingState() }

// Unfunded means no hold has ever been requested.
type Unfunded struct{}

// PendingConfirmation means a hold exists but the payer has not completed it.
type PendingConfirmation struct{ HoldID string }

// Funded means the hold was confirmed and funds are secured in escrow.
type Funded struct{ HoldID string }

// Released means funds were transferred out against the originating charge.
type Released struct {
	HoldID     string
	TransferID string
}

func (Unfunded) fundingState()            {}
func (PendingConfirmation) fundingState() {}
func (Funded) fundingState()              {}
func (Released) fundingState()            {}

// Funding derives the FundingState from the persisted row.
func (m Milestone) Funding() FundingState {
	if m.HoldID == nil || *m.HoldID == "" {
		return Unfunded{}
	}
	switch m.Status {
	case StatusReleased:
		transferID := ""
		if m.TransferID != nil {
			transferID = *m.TransferID
		}
		return Released{HoldID: *m.HoldID, TransferID: transferID}
	case StatusFunded, StatusSubmitted, StatusApproved:
		return Funded{HoldID: *m.HoldID}
	default:
		return PendingConfirmation{HoldID: *m.HoldID}
	}
}

// BookingContext is the slice of booking and payee data the engine needs to
// authorize and execute transitions.
type BookingContext struct {
	BookingID       string
	ClientID        string
	ProID           string
	BookingStatus   string
	PayoutAccountID *string
	PayoutReady     bool
}

// PartyOf reports whether userID is the client or the pro on the booking.
func (c BookingContext) PartyOf(userID string) bool {
	return userID == c.ClientID || userID == c.ProID
}
