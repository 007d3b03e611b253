// main wires the stores, services, background monitor and HTTP surface, and
// keeps the server lifecycle small. Business logic lives in the internal
// service packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heirloom/internal/activity"
	activitymemory "heirloom/internal/activity/store/memory"
	activitypostgres "heirloom/internal/activity/store/postgres"
	"heirloom/internal/audit"
	auditkafka "heirloom/internal/audit/kafka"
	auditmemory "heirloom/internal/audit/store/memory"
	auditpostgres "heirloom/internal/audit/store/postgres"
	claimhandler "heirloom/internal/claim/handler"
	claimports "heirloom/internal/claim/ports"
	claimservice "heirloom/internal/claim/service"
	claimmemory "heirloom/internal/claim/store/memory"
	claimpostgres "heirloom/internal/claim/store/postgres"
	httpapi "heirloom/internal/http"
	jwttoken "heirloom/internal/jwt_token"
	"heirloom/internal/monitor"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/httpserver"
	"heirloom/internal/platform/logger"
	"heirloom/internal/platform/metrics"
	"heirloom/internal/platform/postgres"
	platformredis "heirloom/internal/platform/redis"
	"heirloom/internal/release"
	vaulthandler "heirloom/internal/vault/handler"
	vaultports "heirloom/internal/vault/ports"
	vaultservice "heirloom/internal/vault/service"
	vaultmemory "heirloom/internal/vault/store/memory"
	vaultpostgres "heirloom/internal/vault/store/postgres"
	"heirloom/pkg/platform/tx"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		vaultStore    vaultports.Store
		claimStore    claimports.Store
		activityStore activity.Store
		auditStore    audit.Store
		txRunner      tx.Runner
	)
	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			log.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		vaultStore = vaultpostgres.NewPostgres(db)
		claimStore = claimpostgres.NewPostgres(db)
		activityStore = activitypostgres.NewPostgres(db)
		auditStore = auditpostgres.NewPostgres(db)
		txRunner = tx.NewSQLRunner(db)
		log.Info("using postgres stores")
	} else {
		vaultStore = vaultmemory.NewInMemoryStore()
		claimStore = claimmemory.NewInMemoryStore()
		activityStore = activitymemory.NewInMemoryStore()
		auditStore = auditmemory.NewInMemoryStore()
		txRunner = tx.NewMemoryRunner()
		log.Info("using in-memory stores")
	}

	auditOpts := []audit.Option{audit.WithLogger(log)}
	var auditWorker *audit.Worker
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := auditkafka.NewPublisher(cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			log.Error("kafka publisher init failed", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sink := make(chan audit.Entry, 1024)
		auditOpts = append(auditOpts, audit.WithSink(sink))
		auditWorker = audit.NewWorker(publisher, sink, log)
	}
	auditLog, err := audit.New(ctx, auditStore, auditOpts...)
	if err != nil {
		log.Error("audit log init failed", "error", err)
		os.Exit(1)
	}

	mx := metrics.New()

	claims, err := claimservice.New(claimStore, vaultStore, auditLog,
		claimservice.WithLogger(log),
		claimservice.WithMetrics(mx),
		claimservice.WithVetoThreshold(cfg.VetoThreshold),
	)
	if err != nil {
		log.Error("claim service init failed", "error", err)
		os.Exit(1)
	}

	ledger, err := activity.New(activityStore, vaultStore, claims, txRunner,
		activity.WithLogger(log),
		activity.WithMetrics(mx),
	)
	if err != nil {
		log.Error("activity ledger init failed", "error", err)
		os.Exit(1)
	}

	vaults, err := vaultservice.New(vaultStore, ledger, claims, auditLog,
		vaultservice.WithLogger(log),
		vaultservice.WithMinInactivityThreshold(cfg.MinInactivityThreshold),
	)
	if err != nil {
		log.Error("vault service init failed", "error", err)
		os.Exit(1)
	}

	var redisClient *platformredis.Client
	if cfg.RedisURL != "" {
		redisClient, err = platformredis.New(cfg.RedisURL)
		if err != nil {
			log.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	var executor release.TransferExecutor
	if cfg.TransferEndpoint != "" {
		executor = release.NewHTTPExecutor(cfg.TransferEndpoint)
	} else {
		executor = release.NewLocalExecutor()
		log.Warn("no custody endpoint configured, using local transfer executor")
	}
	releaseOpts := []release.Option{
		release.WithLogger(log),
		release.WithMetrics(mx),
		release.WithTransferTimeout(cfg.TransferTimeout),
		release.WithTransferRetries(cfg.TransferRetries),
	}
	if redisClient != nil {
		releaseOpts = append(releaseOpts, release.WithReleaseLease(release.NewRedisLease(redisClient, log)))
	}
	coordinator, err := release.New(claimStore, vaultStore, executor, auditLog, releaseOpts...)
	if err != nil {
		log.Error("release coordinator init failed", "error", err)
		os.Exit(1)
	}

	monitorOpts := []monitor.Option{
		monitor.WithLogger(log),
		monitor.WithMetrics(mx),
		monitor.WithInterval(cfg.SweepInterval),
		monitor.WithConcurrency(cfg.SweepConcurrency),
		monitor.WithValidityWindow(cfg.ClaimValidityWindow),
	}
	if redisClient != nil {
		monitorOpts = append(monitorOpts, monitor.WithSweepLease(redisClient))
	}
	mon, err := monitor.New(vaultStore, ledger, claims, monitorOpts...)
	if err != nil {
		log.Error("monitor init failed", "error", err)
		os.Exit(1)
	}

	proofs := jwttoken.NewJWTService(cfg.JWTSigningKey, "heirloom")
	router := httpapi.NewRouter(httpapi.Deps{
		Vaults: vaulthandler.New(vaults, ledger, auditLog, log),
		Claims: claimhandler.New(claims, coordinator, log),
		Proofs: proofs,
		Logger: log,
	})
	srv := httpserver.New(cfg.Addr, router)

	go mon.Run(ctx)
	if auditWorker != nil {
		go func() {
			if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err)
			}
		}()
	}
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
