package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-qa-gaps/internal/client"
	"github.com/pesio-ai/be-qa-gaps/internal/handler"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/config"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/middleware"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/natsclient"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
	"github.com/pesio-ai/be-qa-gaps/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting QA Gaps Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional: an empty URL disables event publishing)
	var publisher service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		publisher = client.NewNotificationPublisher(nc, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Info().Msg("NATS disabled, notifications stay local")
	}

	// Initialize repositories
	reportRepo := repository.NewReportRepository(db)
	gapRepo := repository.NewGapRepository(db)
	validatorRepo := repository.NewValidatorRepository(db)
	validationRepo := repository.NewValidationRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)

	// Initialize services
	notifier := service.NewNotifier(notificationRepo, publisher, log)
	history := service.NewHistoryRecorder(historyRepo, log)
	validationService := service.NewValidationService(
		gapRepo, validationRepo, validatorRepo, directoryRepo, notifier, history, log)
	gapService := service.NewGapService(
		reportRepo, gapRepo, directoryRepo, validationService, notifier, history, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(gapService, validationService, notifier, history, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Report routes
	mux.HandleFunc("/api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListReports(w, r)
		case http.MethodPost:
			httpHandler.CreateReport(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/reports/get", httpHandler.GetReport)
	mux.HandleFunc("/api/v1/reports/update", httpHandler.UpdateReport)
	mux.HandleFunc("/api/v1/reports/history", httpHandler.ReportHistory)

	// Gap routes
	mux.HandleFunc("/api/v1/gaps", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListGaps(w, r)
		case http.MethodPost:
			httpHandler.DeclareGap(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/gaps/get", httpHandler.GetGap)
	mux.HandleFunc("/api/v1/gaps/update", httpHandler.UpdateGap)
	mux.HandleFunc("/api/v1/gaps/delete", httpHandler.DeleteGap)
	mux.HandleFunc("/api/v1/gaps/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/gaps/status", httpHandler.ChangeGapStatus)
	mux.HandleFunc("/api/v1/gaps/pending", httpHandler.PendingValidations)
	mux.HandleFunc("/api/v1/gaps/decisions", httpHandler.GapDecisions)
	mux.HandleFunc("/api/v1/gaps/history", httpHandler.GapHistory)

	// Validator administration routes
	mux.HandleFunc("/api/v1/validators", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListValidators(w, r)
		case http.MethodPost:
			httpHandler.AssignValidator(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/validators/activate", httpHandler.SetValidatorActive)
	mux.HandleFunc("/api/v1/validators/delete", httpHandler.RemoveValidator)

	// Notification routes
	mux.HandleFunc("/api/v1/notifications", httpHandler.ListNotifications)
	mux.HandleFunc("/api/v1/notifications/unread-count", httpHandler.UnreadCount)
	mux.HandleFunc("/api/v1/notifications/read", httpHandler.MarkNotificationRead)
	mux.HandleFunc("/api/v1/notifications/read-all", httpHandler.MarkAllNotificationsRead)

	// Apply middleware
	var h http.Handler = mux
	h = handler.Actor(directoryRepo)(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
