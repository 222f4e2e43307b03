package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gigflow/booking"
	"gigflow/dispute"
	"gigflow/payment"
)

func (s *Server) handleRequestChangeOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description        string  `json:"description"`
		PriceChange        float64 `json:"price_change"`
		ScheduleChangeDays int     `json:"schedule_change_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	co, err := s.changeOrders.Request(r.Context(), booking.ChangeOrderParams{
		BookingID:          mux.Vars(r)["id"],
		ActorID:            actorID(r),
		Description:        req.Description,
		PriceChange:        req.PriceChange,
		ScheduleChangeDays: req.ScheduleChangeDays,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, co)
}

func (s *Server) handleListChangeOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.changeOrders.List(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleRespondChangeOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool    `json:"approve"`
		Comment *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	co, err := s.changeOrders.Respond(r.Context(), mux.Vars(r)["id"], actorID(r), req.Approve, req.Comment)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (s *Server) handleWithdrawChangeOrder(w http.ResponseWriter, r *http.Request) {
	co, err := s.changeOrders.Withdraw(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DueDate time.Time `json:"due_date"`
		Notes   string    `json:"notes"`
		Items   []struct {
			Description string  `json:"description"`
			Quantity    float64 `json:"quantity"`
			UnitPrice   float64 `json:"unit_price"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]booking.InvoiceItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, booking.InvoiceItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}

	inv, err := s.invoices.Create(r.Context(), booking.InvoiceParams{
		BookingID: mux.Vars(r)["id"],
		ProID:     actorID(r),
		DueDate:   req.DueDate,
		Notes:     req.Notes,
		Items:     items,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	list, err := s.invoices.List(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	hold, err := s.invoices.RequestPayment(r.Context(), mux.Vars(r)["id"], actorID(r))
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

func (s *Server) handleConfirmInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.invoices.ConfirmPayment(r.Context(), mux.Vars(r)["id"], actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

func (s *Server) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.invoices.Void(r.Context(), mux.Vars(r)["id"], actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "void"})
}

func (s *Server) handleLogTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hours       float64   `json:"hours"`
		WorkedOn    time.Time `json:"worked_on"`
		Description string    `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.timeLogs.Log(r.Context(), booking.TimeEntryParams{
		BookingID:   mux.Vars(r)["id"],
		ProID:       actorID(r),
		Hours:       req.Hours,
		WorkedOn:    req.WorkedOn,
		Description: req.Description,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListTimeEntries(w http.ResponseWriter, r *http.Request) {
	list, err := s.timeLogs.List(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	var total float64
	for _, e := range list {
		total += e.Hours
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list, "total_hours": total})
}

func (s *Server) handleSubmitDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason         string `json:"reason"`
		DesiredOutcome string `json:"desired_outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.disputes.Submit(r.Context(), dispute.SubmitParams{
		BookingID:      mux.Vars(r)["id"],
		PlaintiffID:    actorID(r),
		Reason:         req.Reason,
		DesiredOutcome: req.DesiredOutcome,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]

	// Party check rides on the booking read.
	if _, err := s.bookings.Get(r.Context(), bookingID, actorID(r)); err != nil {
		respondError(w, err)
		return
	}

	list, err := s.disputes.ListForBooking(r.Context(), bookingID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
		Close      bool   `json:"close"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:  mux.Vars(r)["id"],
		AdminID:    actorID(r),
		Resolution: req.Resolution,
		Close:      req.Close,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePaymentWebhook receives provider events. Processing is idempotent, so
// any non-5xx outcome acknowledges the delivery and stops retries.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}

	ev := payment.Event{ID: body.ID, Type: body.Type, HoldID: body.Data.Object.ID}
	if err := s.webhooks.HandleEvent(r.Context(), ev); err != nil {
		s.logger.Error("webhook processing failed", zap.Error(err), zap.String("event_id", body.ID))
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}
