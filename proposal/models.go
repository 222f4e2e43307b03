package proposal

import "time"

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusViewed    Status = "viewed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Proposal is a pro's bid on a job. A pro may hold at most one proposal per
// job, enforced by a unique constraint.
type Proposal struct {
	ID          string     `json:"id"`
	ProID       string     `json:"pro_id"`
	JobID       string     `json:"job_id"`
	BidAmount   float64    `json:"bid_amount"`
	Currency    string     `json:"currency"`
	CoverLetter string     `json:"cover_letter"`
	Status      Status     `json:"status"`
	Milestones  []PlanItem `json:"milestones"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PlanItem is one line of the proposed milestone plan. The plan is
// informational; the booking's first milestone is seeded from the bid, not
// from these rows.
type PlanItem struct {
	ID          string     `json:"id"`
	ProposalID  string     `json:"proposal_id"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Amount      float64    `json:"amount"`
	Position    int        `json:"position"`
}
