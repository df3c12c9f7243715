package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subscriber-cloud/internal/audit"
	"subscriber-cloud/internal/auth"
	"subscriber-cloud/internal/iws"
	"subscriber-cloud/internal/observability/metrics"
	requestsapp "subscriber-cloud/internal/requests/application"
	requests "subscriber-cloud/internal/requests/domain"
	filestore "subscriber-cloud/internal/requests/infrastructure/file"
	pgstore "subscriber-cloud/internal/requests/infrastructure/postgres"
	requestshttp "subscriber-cloud/internal/requests/interfaces/http"
	"subscriber-cloud/internal/requests/notify"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	metrics.Init()

	transport, err := iws.NewTransport(cfg.IWSEndpoint, cfg.IWSTimeout, logger)
	if err != nil {
		logger.Fatalf("transport error: %v", err)
	}
	gateway, err := iws.NewGateway(transport, cfg.IWSUsername, cfg.IWSSecret, cfg.IWSSPAccount, logger)
	if err != nil {
		logger.Fatalf("gateway error: %v", err)
	}
	tracker, err := iws.NewTracker(gateway, logger)
	if err != nil {
		logger.Fatalf("tracker error: %v", err)
	}

	var store requests.Store
	var auditLogger audit.Logger
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		pg, err := pgstore.NewStore(db)
		if err != nil {
			logger.Fatalf("store error: %v", err)
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			logger.Fatalf("store schema error: %v", err)
		}
		auditRepo := audit.NewRepository(db)
		if err := auditRepo.EnsureSchema(context.Background()); err != nil {
			logger.Fatalf("audit schema error: %v", err)
		}
		store = pg
		auditLogger = auditRepo
		logger.Printf("using postgres request store")
	} else {
		fs, err := filestore.NewStore(cfg.StorePath)
		if err != nil {
			logger.Fatalf("store error: %v", err)
		}
		fileAudit, err := audit.NewFileLogger(cfg.AuditLogPath)
		if err != nil {
			logger.Fatalf("audit log error: %v", err)
		}
		store = fs
		auditLogger = fileAudit
		logger.Printf("using file request store at %s", cfg.StorePath)
	}

	tracking, err := requestsapp.LoadTrackingConfig()
	if err != nil {
		logger.Fatalf("tracking config error: %v", err)
	}

	serviceOpts := []requestsapp.ServiceOption{}
	pollerOpts := []requestsapp.PollerOption{
		requestsapp.WithPollInterval(tracking.PollInterval),
		requestsapp.WithJoinTimeout(tracking.JoinTimeout),
	}
	if tracking.WebhookURL != "" {
		notifier, err := notify.NewWebhookNotifier(tracking.WebhookURL, tracking.WebhookTimeout, logger)
		if err != nil {
			logger.Fatalf("notifier error: %v", err)
		}
		serviceOpts = append(serviceOpts, requestsapp.WithNotifier(notifier))
		pollerOpts = append(pollerOpts, requestsapp.WithPollerNotifier(notifier))
	}

	service, err := requestsapp.NewService(store, gateway, logger, serviceOpts...)
	if err != nil {
		logger.Fatalf("service error: %v", err)
	}
	poller, err := requestsapp.NewPoller(store, tracker, gateway, logger, pollerOpts...)
	if err != nil {
		logger.Fatalf("poller error: %v", err)
	}

	handler, err := requestshttp.NewHandler(service, gateway, poller, auditLogger)
	if err != nil {
		logger.Fatalf("handler error: %v", err)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/healthz/upstream", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller.Start(ctx)
	logger.Printf("reconciliation poller running every %s", tracking.PollInterval)

	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	poller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if tracking.PurgeOnShutdown {
		removed, err := store.PurgeCompleted(shutdownCtx)
		if err != nil {
			logger.Printf("shutdown purge error: %v", err)
		} else if removed > 0 {
			logger.Printf("shutdown purge removed %d completed requests", removed)
		}
	}
}

type config struct {
	IWSUsername  string
	IWSSecret    string
	IWSSPAccount string
	IWSEndpoint  string
	IWSTimeout   time.Duration
	StorePath    string
	AuditLogPath string
	DatabaseURL  string
	HTTPAddr     string
	JWTSecret    string
}

func loadConfig() config {
	cfg := config{
		IWSUsername:  os.Getenv("IWS_USERNAME"),
		IWSSecret:    os.Getenv("IWS_SECRET_KEY"),
		IWSSPAccount: os.Getenv("IWS_SP_ACCOUNT"),
		IWSEndpoint:  os.Getenv("IWS_ENDPOINT"),
		IWSTimeout:   getenvDuration("IWS_TIMEOUT", 30*time.Second),
		StorePath:    getenvDefault("STORE_PATH", "var/requests.json"),
		AuditLogPath: getenvDefault("AUDIT_LOG_PATH", "var/audit.log"),
		DatabaseURL:  getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:    getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.IWSUsername == "" || cfg.IWSSecret == "" {
		log.Fatal("IWS_USERNAME and IWS_SECRET_KEY are required")
	}
	if cfg.IWSEndpoint == "" {
		log.Fatal("IWS_ENDPOINT is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
