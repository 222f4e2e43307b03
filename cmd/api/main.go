package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gigflow/auth"
	"gigflow/booking"
	"gigflow/config"
	"gigflow/db"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/events"
	"gigflow/httpapi"
	"gigflow/job"
	"gigflow/mq"
	"gigflow/outbox"
	"gigflow/payment"
	"gigflow/proposal"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DB.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	gateway := payment.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, logger)
	writer := events.NewWriter()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWT.Secret)
	jobService := job.NewService(pool, job.NewRepository(pool))
	proposalService := proposal.NewService(pool, proposal.NewRepository(pool))

	bookingRepo := booking.NewRepository(pool)
	bookingService := booking.NewService(pool, bookingRepo, gateway, writer, writer)
	changeOrderService := booking.NewChangeOrderService(pool, bookingRepo, bookingRepo, writer, writer)
	invoiceService := booking.NewInvoiceService(pool, bookingRepo, bookingRepo, gateway, writer, writer)
	timeLogService := booking.NewTimeLogService(pool, bookingRepo, bookingRepo)

	escrowRepo := escrow.NewRepository(pool)
	escrowService := escrow.NewService(pool, escrowRepo, gateway, writer, writer)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), writer, writer)
	webhookService := payment.NewWebhookService(pool, payment.NewWebhookRepository(pool), writer, writer, logger)

	server := httpapi.NewServer(httpapi.Config{
		Auth:         authService,
		Verifier:     authService,
		Jobs:         jobService,
		Proposals:    proposalService,
		Bookings:     bookingService,
		Milestones:   escrowService,
		MilestoneRds: escrowRepo,
		ChangeOrders: changeOrderService,
		Invoices:     invoiceService,
		TimeLogs:     timeLogService,
		Disputes:     disputeService,
		Webhooks:     webhookService,
		Logger:       logger,
	})

	relayDone := make(chan struct{})
	if cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer publisher.Close()

		relay := outbox.NewRelay(pool, outbox.NewStore(pool), publisher, logger)
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
	} else {
		logger.Warn("mq url not configured, outbox relay disabled")
		close(relayDone)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	<-relayDone
	return nil
}
