package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"gigflow/auth"
	"gigflow/job"
	"gigflow/proposal"
)

type userView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func viewUser(u *auth.User) userView {
	return userView{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  viewUser(&result.User),
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Budget      float64 `json:"budget"`
		Currency    string  `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.jobs.Create(r.Context(), job.CreateParams{
		ClientID:    actorID(r),
		Title:       req.Title,
		Description: req.Description,
		Budget:      req.Budget,
		Currency:    req.Currency,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	filters := job.Filters{
		ClientID:  q.Get("client_id"),
		Status:    q.Get("status"),
		Page:      page,
		PageSize:  pageSize,
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	result, err := s.jobs.List(r.Context(), filters)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result.Items, "total": result.Total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), job.CancelParams{
		JobID:     mux.Vars(r)["id"],
		ActorID:   actorID(r),
		ActorRole: string(actorRole(r)),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BidAmount   float64 `json:"bid_amount"`
		Currency    string  `json:"currency"`
		CoverLetter string  `json:"cover_letter"`
		Milestones  []struct {
			Description string  `json:"description"`
			Amount      float64 `json:"amount"`
		} `json:"milestones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]proposal.PlanItem, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		items = append(items, proposal.PlanItem{Description: m.Description, Amount: m.Amount})
	}

	p, err := s.proposals.Submit(r.Context(), proposal.SubmitParams{
		ProID:       actorID(r),
		JobID:       mux.Vars(r)["id"],
		BidAmount:   req.BidAmount,
		Currency:    req.Currency,
		CoverLetter: req.CoverLetter,
		Milestones:  items,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	j, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}

	list, err := s.proposals.ListForJob(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}

	// The job owner and admins see everything; anyone else sees only their own.
	if j.ClientID != actorID(r) && actorRole(r) != auth.RoleAdmin {
		own := list[:0]
		for _, p := range list {
			if p.ProID == actorID(r) {
				own = append(own, p)
			}
		}
		list = own
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleWithdrawProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Withdraw(r.Context(), mux.Vars(r)["id"], actorID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
