// Command server runs the offline POS queue as an HTTP service: it wires
// configuration, storage, the encryption manager, the sync engine, and
// the Gin API, then serves until SIGINT/SIGTERM and drains cleanly.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/pos-offline-queue/internal/audit"
	"github.com/tbourn/pos-offline-queue/internal/config"
	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/encryption"
	httpapi "github.com/tbourn/pos-offline-queue/internal/http"
	"github.com/tbourn/pos-offline-queue/internal/netmon"
	"github.com/tbourn/pos-offline-queue/internal/observability"
	"github.com/tbourn/pos-offline-queue/internal/queue"
	"github.com/tbourn/pos-offline-queue/internal/repo"
	"github.com/tbourn/pos-offline-queue/internal/securestore"
	"github.com/tbourn/pos-offline-queue/internal/security"
	"github.com/tbourn/pos-offline-queue/internal/services"
	"github.com/tbourn/pos-offline-queue/internal/syncer"
	"github.com/tbourn/pos-offline-queue/internal/sysutil"
	"github.com/tbourn/pos-offline-queue/internal/transport"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// dataKeyService is the credential name the encryption manager uses in
// the secure store.
const dataKeyService = "pos-offline-queue/data-key"

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", cfg.OTEL.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate database failed")
	}

	auditLog := &audit.Logger{
		DB:  db,
		Log: logger.With().Str("component", "audit").Logger(),
		Cap: cfg.Queue.AuditCap,
	}

	keys, err := securestore.NewFileStore(cfg.KeyDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.KeyDir).Msg("secure store setup failed")
	}
	crypto := &encryption.Manager{
		Store:      keys,
		KeyService: dataKeyService,
		Audit:      auditLog,
		Log:        logger.With().Str("component", "encryption").Logger(),
	}

	validator := &security.Validator{Audit: auditLog}
	guard := &security.Guard{
		Audit: auditLog,
		Log:   logger.With().Str("component", "security").Logger(),
	}

	store := &queue.Store{
		DB:        db,
		Log:       logger.With().Str("component", "queue").Logger(),
		MaxSize:   cfg.Queue.MaxSize,
		MaxMemory: cfg.Queue.MaxMemoryItems,
		MaxAge:    cfg.Queue.MaxAge,
	}

	monitor := &netmon.ProbeMonitor{
		ProbeURL: cfg.Sync.ProbeURL,
		Interval: cfg.Sync.ProbeInterval,
		Log:      logger.With().Str("component", "netmon").Logger(),
	}
	monitor.Start()

	// The engine re-authorizes every delivery, so timer-driven passes run
	// against the most recent caller identity seen by the API.
	var lastSession atomic.Pointer[domain.Session]

	svc := &services.OfflineQueueService{
		Validator:         validator,
		Guard:             guard,
		Crypto:            crypto,
		Audit:             auditLog,
		Store:             store,
		Log:               logger.With().Str("component", "service").Logger(),
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		SyncOnQueue:       cfg.Sync.SyncOnQueue,
	}

	svc.Engine = syncer.New(ctx, syncer.Options{
		Store:   store,
		Guard:   guard,
		Crypto:  crypto,
		Client:  transport.NewHTTPClient(cfg.WriteTimeout),
		Monitor: monitor,
		Session: lastSession.Load,
		Log:     logger.With().Str("component", "syncer").Logger(),

		BaseURL:      cfg.Sync.BackendBaseURL,
		AuthHeaders:  authHeaders(cfg.Sync.AuthToken),
		BatchSize:    cfg.Sync.BatchSize,
		SyncInterval: cfg.Sync.Interval,
		Backoff: syncer.Backoff{
			Base: cfg.Sync.RetryBaseDelay,
			Max:  cfg.Sync.RetryMaxDelay,
		},
		DeliveryRPS:   cfg.Sync.DeliveryRPS,
		DeliveryBurst: cfg.Sync.DeliveryBurst,
		OnResult:      svc.HandleSyncResult,
	})

	if err := svc.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service init failed")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, svc, auditLog, cfg, func(s *domain.Session) {
		lastSession.Store(s)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	svc.Destroy(drainCtx)
	monitor.Stop()
	if err := shutdownOTel(drainCtx); err != nil {
		logger.Error().Err(err).Msg("otel shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// authHeaders returns the static delivery headers, or nil when no backend
// token is configured.
func authHeaders(token string) func() map[string]string {
	if token == "" {
		return nil
	}
	return func() map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}
}
