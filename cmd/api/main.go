package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"temerio/api/internal/activity"
	"temerio/api/internal/app"
	"temerio/api/internal/authpw"
	"temerio/api/internal/billing"
	"temerio/api/internal/clock"
	"temerio/api/internal/config"
	"temerio/api/internal/email"
	"temerio/api/internal/export"
	"temerio/api/internal/merge"
	"temerio/api/internal/onboarding"
	"temerio/api/internal/pairing"
	"temerio/api/internal/remote"
	"temerio/api/internal/search"
	"temerio/api/internal/session"
	"temerio/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if len(applied) > 0 {
		log.Printf("applied migrations: %s", strings.Join(applied, ", "))
	}

	dataStore := store.NewPostgresStore(db)
	clk := clock.Real{}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	deps := app.Deps{Store: dataStore, Refresh: dataStore, Search: searchService}
	var guard session.Guard
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh tokens and seed markers")
		client, err := session.Dial(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		redisStore := session.NewRedisStoreWithClient(client)
		defer redisStore.Close()
		deps.Refresh = redisStore
		deps.Redis = redisStore
		guard = session.NewRedisGuard(client, cfg.RefreshTTL)
	} else {
		log.Printf("Using PostgreSQL for refresh tokens")
		guard = session.NewMemoryGuard(cfg.RefreshTTL)
	}

	activityLog := activity.NewLogger(dataStore, clk, cfg.ActivityFlushDelay)
	deps.Activity = activityLog

	catalog, err := billing.LoadCatalog(cfg.BillingCatalogPath)
	if err != nil {
		log.Fatalf("billing catalog: %v", err)
	}
	billingClient := remote.NewClient(cfg.BillingFunctionsURL, remote.Options{
		MaxRetries: cfg.BillingMaxRetries,
		RetryBase:  cfg.BillingRetryBase,
	})
	monitor := billing.NewMonitor(billing.NewChecker(billingClient, catalog), clk, cfg.SubscriptionInterval)
	go monitor.Run(ctx)
	deps.Subscriptions = monitor
	deps.Checkout = billing.NewCheckout(billingClient, catalog)

	deps.Pairing = pairing.NewIssuer(dataStore, clk, cfg.PairingCodeTTL)
	deps.Merges = merge.NewService(dataStore, clk, activityLog, searchService)
	deps.Seeder = onboarding.NewSeeder(dataStore, guard, clk, activityLog, searchService)
	deps.Passwords = authpw.NewService(dataStore, clk)
	deps.Mailer = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var archive *export.Archive
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archive, err = export.NewArchive(export.ArchiveConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			URLTTL:    cfg.ExportURLTTL,
		})
		if err != nil {
			log.Fatalf("export storage: %v", err)
		}
	}
	deps.Export = export.NewService(dataStore, clk, activityLog, nil, archive)

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Temerio API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stop()
	activityLog.Close(shutdownCtx)
}
