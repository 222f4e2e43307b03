package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gigflow/booking"
	"gigflow/escrow"
)

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.bookings.AcceptProposal(r.Context(), booking.AcceptanceParams{
		JobID:          req.JobID,
		ProposalID:     mux.Vars(r)["id"],
		ActingClientID: actorID(r),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"booking":      result.Booking,
		"milestone_id": result.MilestoneID,
		"funding_hold": map[string]any{
			"id":            result.Hold.ID,
			"status":        result.Hold.Status,
			"client_secret": result.Hold.ClientSecret,
		},
	})
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ListForUser(r.Context(), actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := list[:0]
		for _, bk := range list {
			if string(bk.Status) == status {
				filtered = append(filtered, bk)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	detail, err := s.bookings.Get(r.Context(), bookingID, actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	milestones, err := s.milestoneRds.ListByBooking(r.Context(), bookingID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking":      detail.Booking,
		"milestones":   milestones,
		"open_dispute": detail.OpenDispute,
	})
}

func (s *Server) handleCompleteBooking(w http.ResponseWriter, r *http.Request) {
	bk, err := s.bookings.Complete(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bk)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason *string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	bk, err := s.bookings.Cancel(r.Context(), mux.Vars(r)["id"], actorID(r), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bk)
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string     `json:"description"`
		Amount      float64    `json:"amount"`
		Currency    string     `json:"currency"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ms, err := s.milestones.AddMilestone(r.Context(), escrow.AddMilestoneParams{
		BookingID:   mux.Vars(r)["id"],
		ActorID:     actorID(r),
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		DueDate:     req.DueDate,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ms)
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]

	// Party check rides on the booking read.
	if _, err := s.bookings.Get(r.Context(), bookingID, actorID(r)); err != nil {
		respondError(w, err)
		return
	}

	list, err := s.milestoneRds.ListByBooking(r.Context(), bookingID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleFundMilestone(w http.ResponseWriter, r *http.Request) {
	hold, err := s.milestones.RequestFunding(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hold_id":       hold.ID,
		"status":        hold.Status,
		"client_secret": hold.ClientSecret,
	})
}

// handleConfirmFunding is the client-side confirmation path. The payment
// webhook delivers the same transition; whichever lands first wins and the
// other no-ops.
func (s *Server) handleConfirmFunding(w http.ResponseWriter, r *http.Request) {
	if err := s.milestones.ConfirmFunding(r.Context(), mux.Vars(r)["id"], actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	ms, err := s.milestones.Release(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleCancelMilestone(w http.ResponseWriter, r *http.Request) {
	if err := s.milestones.Cancel(r.Context(), mux.Vars(r)["id"], actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
