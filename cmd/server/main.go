package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/tillsafe/internal/auth"
	"github.com/mmynk/tillsafe/internal/config"
	"github.com/mmynk/tillsafe/internal/extract"
	"github.com/mmynk/tillsafe/internal/metrics"
	"github.com/mmynk/tillsafe/internal/middleware"
	"github.com/mmynk/tillsafe/internal/notify"
	"github.com/mmynk/tillsafe/internal/reconcile"
	"github.com/mmynk/tillsafe/internal/service"
	"github.com/mmynk/tillsafe/internal/storage/sqlite"
	"github.com/mmynk/tillsafe/internal/token"
	"github.com/mmynk/tillsafe/pkg/api"
	"github.com/mmynk/tillsafe/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := sqlite.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	logger.Info("Storage initialized", "database", cfg.Storage.DBPath)

	signer, err := token.NewSigner([]byte(cfg.Security.ReleaseSecret))
	if err != nil {
		return fmt.Errorf("failed to create release token signer: %w", err)
	}

	delivery, closeDelivery, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer closeDelivery()

	async := notify.NewAsync(delivery, cfg.Notify.Timeout, logger)
	// Flush in-flight emails before the broker connection closes.
	defer async.Wait()

	engine := reconcile.New(store, extract.NewMarkerChain(cfg.Reconcile.AmountMarkers), signer, async, logger,
		reconcile.WithBaseURL(cfg.Reconcile.PublicBaseURL),
		reconcile.WithReconcileOnIngest(cfg.Reconcile.OnIngest),
	)

	jwtManager := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.AdminTokenTTL)

	mux := http.NewServeMux()

	escrowPath, escrowHandler := api.NewEscrowServiceHandler(
		service.NewEscrowService(engine, logger),
		connect.WithInterceptors(
			middleware.OptionalAuth(jwtManager),
			middleware.LoggingInterceptor(logger),
		),
	)
	mux.Handle(escrowPath, escrowHandler)
	mux.Handle("/confirm", service.ConfirmPage(engine, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logger.Warn("Health check failed", "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Wrap with h2c for HTTP/2 without TLS (required for Connect)
	handler := h2c.NewHandler(metrics.Middleware(corsMiddleware(mux)), &http2.Server{})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Connect server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newNotifier publishes to RabbitMQ when configured and otherwise only logs.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL not set, buyer emails will only be logged")
		return notify.NewLogNotifier(logger), func() {}, nil
	}

	broker, err := notify.DialBroker(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect notifier: %w", err)
	}
	logger.Info("Publishing buyer emails", "exchange", cfg.AMQPExchange, "routing_key", cfg.AMQPRoutingKey)
	return notify.NewAMQPNotifier(broker.Channel, cfg.AMQPExchange, cfg.AMQPRoutingKey), broker.Close, nil
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
