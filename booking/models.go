package booking

import "time"

type Status string

const (
	StatusPendingFunding Status = "pending_funding"
	StatusActive         Status = "active"
	StatusInDispute      Status = "in_dispute"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether the booking accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Booking is the engagement created when a client accepts a proposal. It owns
// the milestones, change orders, invoices and disputes of the engagement.
type Booking struct {
	ID                 string     `json:"id"`
	JobID              string     `json:"job_id"`
	ProID              string     `json:"pro_id"`
	ClientID           string     `json:"client_id"`
	ProposalID         string     `json:"proposal_id"`
	TotalAmount        float64    `json:"total_amount"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	CompletedAt        *time.Time `json:"completed_at"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	CancellationReason *string    `json:"cancellation_reason"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PartyOf reports whether userID is the client or the pro on the booking.
func (b Booking) PartyOf(userID string) bool {
	return userID == b.ClientID || userID == b.ProID
}

type ChangeOrderStatus string

const (
	ChangeOrderPending   ChangeOrderStatus = "pending"
	ChangeOrderApproved  ChangeOrderStatus = "approved"
	ChangeOrderRejected  ChangeOrderStatus = "rejected"
	ChangeOrderWithdrawn ChangeOrderStatus = "withdrawn"
)

// ChangeOrder is a proposed amendment to a booking's price or schedule. At
// most one may be pending per booking at a time.
type ChangeOrder struct {
	ID                 string            `json:"id"`
	BookingID          string            `json:"booking_id"`
	CreatedBy          string            `json:"created_by"`
	RequestedTo        string            `json:"requested_to"`
	Description        string            `json:"description"`
	PriceChange        float64           `json:"price_change"`
	ScheduleChangeDays int               `json:"schedule_change_days"`
	Status             ChangeOrderStatus `json:"status"`
	ResponseComment    *string           `json:"response_comment"`
	RespondedAt        *time.Time        `json:"responded_at"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceVoid      InvoiceStatus = "void"
)

// Invoice bills the client outside the milestone flow. Totals are always
// computed from the items server-side.
type Invoice struct {
	ID          string        `json:"id"`
	BookingID   string        `json:"booking_id"`
	ClientID    string        `json:"client_id"`
	ProID       string        `json:"pro_id"`
	SubTotal    float64       `json:"sub_total"`
	TotalAmount float64       `json:"total_amount"`
	Currency    string        `json:"currency"`
	Status      InvoiceStatus `json:"status"`
	DueDate     time.Time     `json:"due_date"`
	HoldID      *string       `json:"hold_id"`
	PaidAt      *time.Time    `json:"paid_at"`
	Notes       string        `json:"notes"`
	Items       []InvoiceItem `json:"items"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type InvoiceItem struct {
	ID          string  `json:"id"`
	InvoiceID   string  `json:"invoice_id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Position    int     `json:"position"`
}

// Amount is the line total.
func (i InvoiceItem) Amount() float64 {
	return i.Quantity * i.UnitPrice
}

// TimeEntry is a pro's logged hours against a booking. Informational only;
// billing flows through milestones and invoices.
type TimeEntry struct {
	ID          string    `json:"id"`
	BookingID   string    `json:"booking_id"`
	ProID       string    `json:"pro_id"`
	Hours       float64   `json:"hours"`
	WorkedOn    time.Time `json:"worked_on"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
