package job

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Job is a client's posted piece of work that pros bid on.
type Job struct {
	ID                 string    `json:"id"`
	ClientID           string    `json:"client_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Budget             float64   `json:"budget"`
	Currency           string    `json:"currency"`
	Status             Status    `json:"status"`
	SelectedProposalID *string   `json:"selected_proposal_id"`
	BookingID          *string   `json:"booking_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Filters narrows job listings. Zero values mean "no filter".
type Filters struct {
	ClientID  string
	Status    string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
