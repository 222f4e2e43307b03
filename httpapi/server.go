// Package httpapi exposes the marketplace over REST. Handlers decode and
// authorize requests, delegate to the domain services, and translate domain
// errors into HTTP statuses; business rules live below this layer.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigflow/auth"
	"gigflow/booking"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/job"
	"gigflow/payment"
	"gigflow/proposal"
)

type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

type JobService interface {
	Create(ctx context.Context, params job.CreateParams) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
	List(ctx context.Context, filters job.Filters) (job.ListResult, error)
	Cancel(ctx context.Context, params job.CancelParams) (job.Job, error)
}

type ProposalService interface {
	Submit(ctx context.Context, params proposal.SubmitParams) (proposal.Proposal, error)
	Withdraw(ctx context.Context, proposalID, actingProID string) (proposal.Proposal, error)
	ListForJob(ctx context.Context, jobID string) ([]proposal.Proposal, error)
}

type BookingService interface {
	AcceptProposal(ctx context.Context, params booking.AcceptanceParams) (booking.AcceptResult, error)
	Complete(ctx context.Context, bookingID, actorID string) (booking.Booking, error)
	Cancel(ctx context.Context, bookingID, actorID string, reason *string) (booking.Booking, error)
	Get(ctx context.Context, bookingID, actorID string) (booking.Detail, error)
	ListForUser(ctx context.Context, userID string) ([]booking.Booking, error)
}

type EscrowService interface {
	AddMilestone(ctx context.Context, params escrow.AddMilestoneParams) (escrow.Milestone, error)
	RequestFunding(ctx context.Context, milestoneID, actingClientID string) (payment.Hold, error)
	ConfirmFunding(ctx context.Context, milestoneID, actingClientID string) error
	Release(ctx context.Context, milestoneID, actingClientID string) (escrow.Milestone, error)
	Cancel(ctx context.Context, milestoneID, actorID string) error
}

// MilestoneReader serves the milestone read side straight from the repository.
type MilestoneReader interface {
	ListByBooking(ctx context.Context, bookingID string) ([]escrow.Milestone, error)
}

type ChangeOrderService interface {
	Request(ctx context.Context, params booking.ChangeOrderParams) (booking.ChangeOrder, error)
	Respond(ctx context.Context, changeOrderID, actorID string, approve bool, comment *string) (booking.ChangeOrder, error)
	Withdraw(ctx context.Context, changeOrderID, actorID string) (booking.ChangeOrder, error)
	List(ctx context.Context, bookingID, actorID string) ([]booking.ChangeOrder, error)
}

type InvoiceService interface {
	Create(ctx context.Context, params booking.InvoiceParams) (booking.Invoice, error)
	RequestPayment(ctx context.Context, invoiceID, actingClientID string) (payment.Hold, error)
	ConfirmPayment(ctx context.Context, invoiceID, actingClientID string) error
	Void(ctx context.Context, invoiceID, actingProID string) error
	List(ctx context.Context, bookingID, actorID string) ([]booking.Invoice, error)
}

type TimeLogService interface {
	Log(ctx context.Context, params booking.TimeEntryParams) (booking.TimeEntry, error)
	List(ctx context.Context, bookingID, actorID string) ([]booking.TimeEntry, error)
}

type DisputeService interface {
	Submit(ctx context.Context, params dispute.SubmitParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	ListForBooking(ctx context.Context, bookingID string) ([]dispute.Record, error)
}

type WebhookService interface {
	HandleEvent(ctx context.Context, ev payment.Event) error
}

// Server bundles the domain services behind the route table.
type Server struct {
	auth         AuthService
	verifier     TokenVerifier
	jobs         JobService
	proposals    ProposalService
	bookings     BookingService
	milestones   EscrowService
	milestoneRds MilestoneReader
	changeOrders ChangeOrderService
	invoices     InvoiceService
	timeLogs     TimeLogService
	disputes     DisputeService
	webhooks     WebhookService
	logger       *zap.Logger
}

// Config collects the dependencies NewServer wires into the route table.
type Config struct {
	Auth         AuthService
	Verifier     TokenVerifier
	Jobs         JobService
	Proposals    ProposalService
	Bookings     BookingService
	Milestones   EscrowService
	MilestoneRds MilestoneReader
	ChangeOrders ChangeOrderService
	Invoices     InvoiceService
	TimeLogs     TimeLogService
	Disputes     DisputeService
	Webhooks     WebhookService
	Logger       *zap.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		auth:         cfg.Auth,
		verifier:     cfg.Verifier,
		jobs:         cfg.Jobs,
		proposals:    cfg.Proposals,
		bookings:     cfg.Bookings,
		milestones:   cfg.Milestones,
		milestoneRds: cfg.MilestoneRds,
		changeOrders: cfg.ChangeOrders,
		invoices:     cfg.Invoices,
		timeLogs:     cfg.TimeLogs,
		disputes:     cfg.Disputes,
		webhooks:     cfg.Webhooks,
		logger:       logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Open endpoints.
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/payment", s.handlePaymentWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	api.HandleFunc("/jobs/{id}/proposals", s.handleSubmitProposal).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/proposals", s.handleListProposals).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/withdraw", s.handleWithdrawProposal).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/accept", s.handleAcceptProposal).Methods(http.MethodPost)

	api.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/complete", s.handleCompleteBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)

	api.HandleFunc("/bookings/{id}/milestones", s.handleAddMilestone).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/milestones", s.handleListMilestones).Methods(http.MethodGet)
	api.HandleFunc("/milestones/{id}/fund", s.handleFundMilestone).Methods(http.MethodPost)
	api.HandleFunc("/milestones/{id}/confirm-funding", s.handleConfirmFunding).Methods(http.MethodPost)
	api.HandleFunc("/milestones/{id}/release", s.handleReleaseMilestone).Methods(http.MethodPost)
	api.HandleFunc("/milestones/{id}/cancel", requireAdmin(s.handleCancelMilestone)).Methods(http.MethodPost)

	api.HandleFunc("/bookings/{id}/change-orders", s.handleRequestChangeOrder).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/change-orders", s.handleListChangeOrders).Methods(http.MethodGet)
	api.HandleFunc("/change-orders/{id}/respond", s.handleRespondChangeOrder).Methods(http.MethodPost)
	api.HandleFunc("/change-orders/{id}/withdraw", s.handleWithdrawChangeOrder).Methods(http.MethodPost)

	api.HandleFunc("/bookings/{id}/invoices", s.handleCreateInvoice).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/invoices", s.handleListInvoices).Methods(http.MethodGet)
	api.HandleFunc("/invoices/{id}/pay", s.handlePayInvoice).Methods(http.MethodPost)
	api.HandleFunc("/invoices/{id}/confirm", s.handleConfirmInvoice).Methods(http.MethodPost)
	api.HandleFunc("/invoices/{id}/void", s.handleVoidInvoice).Methods(http.MethodPost)

	api.HandleFunc("/bookings/{id}/time-entries", s.handleLogTime).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/time-entries", s.handleListTimeEntries).Methods(http.MethodGet)

	api.HandleFunc("/bookings/{id}/disputes", s.handleSubmitDispute).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/disputes", s.handleListDisputes).Methods(http.MethodGet)
	api.HandleFunc("/disputes/{id}/resolve", requireAdmin(s.handleResolveDispute)).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
