package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"prospectflow/auth"
	"prospectflow/cadence"
	"prospectflow/compliance"
	"prospectflow/config"
	"prospectflow/contact"
	"prospectflow/db"
	"prospectflow/engagement"
	"prospectflow/logging"
	"prospectflow/outbox"
	"prospectflow/outreach"
	"prospectflow/prospect"
	"prospectflow/quality"
	"prospectflow/replies"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("PROSPECTFLOW_CONFIG")
	if configPath == "" {
		configPath = "prospectflow.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Logging.Level)

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	server, err := newServer(cfg, pool, logger)
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.routes(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}
}

// newServer builds every service from cfg. It is the only place components
// are wired together.
func newServer(cfg *config.Config, pool *pgxpool.Pool, logger *logging.Logger) (*Server, error) {
	signer, err := compliance.NewSigner(cfg.Secrets.Unsubscribe)
	if err != nil {
		return nil, err
	}
	verifier, err := engagement.NewVerifier(cfg.Secrets.EmailWebhook)
	if err != nil {
		return nil, err
	}

	out := outbox.NewWriter()
	contacts := contact.NewRepository(pool)
	logs := outreach.NewLogRepository()
	prospectRepo := prospect.NewRepository(pool)

	qualityService := quality.NewService(pool, quality.NewRepository(pool), out, logger)
	complianceService := compliance.NewService(pool, compliance.NewRepository(), contacts, signer, out, logger)

	mailer := outreach.NewHTTPMailer(cfg.Mail.APIURL, cfg.Mail.APIKey, cfg.Mail.Timeout)
	sender := outreach.NewSender(pool, contacts, logs, qualityService, complianceService, mailer, outreach.Identity{
		From:          cfg.Mail.From,
		ReplyTo:       cfg.Mail.ReplyTo,
		PublicURL:     cfg.App.PublicURL,
		CompanyName:   cfg.App.CompanyName,
		PostalAddress: cfg.App.PostalAddress,
	}, cfg.Mail.Timeout, logger)

	cadenceService := cadence.NewService(pool, cadence.NewRepository(), logs, sender, out, cadence.Policy{
		BatchSize:    cfg.Cadence.BatchSize,
		MaxAttempts:  cfg.Cadence.MaxAttempts,
		RetryBackoff: cfg.Cadence.RetryBackoff,
	}, logger)

	replyService := replies.NewService(pool, replies.NewRepository(), contacts, cadenceService, complianceService,
		out, cfg.Replies.AutoTriageDefault, logger)

	engagementRepo := engagement.NewRepository()
	callTasks := engagement.NewCallTaskService(pool, engagementRepo, out, logger)
	events := engagement.NewEventService(pool, engagementRepo, logs, prospectRepo, callTasks, logger)

	return &Server{
		replies:        replyService,
		events:         events,
		verifier:       verifier,
		unsubscribes:   complianceService,
		cadence:        cadenceService,
		authService:    auth.NewService(auth.NewRepository(pool), cfg.Secrets.JWT),
		qualityService: qualityService,
		prospects:      prospect.NewService(prospectRepo),
		callTasks:      callTasks,
		replySecret:    cfg.Secrets.InboundReply,
		cronSecret:     cfg.Secrets.Cron,
		maxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		log:            logger,
		now:            time.Now,
	}, nil
}
