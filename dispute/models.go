package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Open reports whether the dispute still awaits a resolution.
func (s Status) Open() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Record mirrors the disputes table.
type Record struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"booking_id"`
	PlaintiffID    string     `json:"plaintiff_id"`
	DefendantID    string     `json:"defendant_id"`
	Reason         string     `json:"reason"`
	DesiredOutcome string     `json:"desired_outcome"`
	Status         Status     `json:"status"`
	Resolution     *string    `json:"resolution"`
	ResolvedBy     *string    `json:"resolved_by"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
