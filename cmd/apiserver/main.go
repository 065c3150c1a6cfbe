// Command apiserver runs ade's control-plane HTTP API: workspace, document,
// configuration, and run management.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/blob"
	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/configstore"
	"github.com/ade-run/ade/internal/dbx"
	"github.com/ade-run/ade/internal/httpapi"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/migrations"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file (ADE_* env vars still override it)")
	flag.Parse()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apiserver: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	log.WithField("app", "ade-apiserver").Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := dbx.Open(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

	dataStore := store.New(db)
	paths := pathsafe.New(cfg.Storage.WorkspacesDir, cfg.Storage.VenvsDir)
	configs := configstore.New(paths)

	blobStore, err := blob.New(cfg.Storage.Backend, cfg.Storage.WorkspacesDir, cfg.Storage.AzureAccount, cfg.Storage.AzureContainer)
	if err != nil {
		log.WithError(err).Fatal("configure blob storage")
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("parse redis url")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("ping redis")
		}
		defer redisClient.Close()
	}

	issuer := authn.NewTokenIssuer(cfg.Auth, []byte(cfg.Auth.SecretKey))
	cache, err := authn.NewPrincipalCache(4096, 30*time.Second)
	if err != nil {
		log.WithError(err).Fatal("create principal cache")
	}
	var revocation *authn.RevocationStore
	if redisClient != nil {
		revocation = authn.NewRevocationStore(redisClient)
	}

	m := metrics.New()

	server := httpapi.NewServer(httpapi.Deps{
		Store:          dataStore,
		Configs:        configs,
		Blobs:          blobStore,
		Paths:          paths,
		Issuer:         issuer,
		Cache:          cache,
		Revocation:     revocation,
		Redis:          redisClient,
		Log:            log,
		Metrics:        m,
		SessionCookie:  cfg.Auth.SessionCookieName,
		CSRFHeader:     cfg.Auth.CSRFHeaderName,
		SessionTTL:     time.Duration(cfg.Auth.SessionTTLHours) * time.Hour,
		MaxImportBytes: cfg.Storage.ConfigImportMaxBytes,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		EngineSpec:     cfg.Engine.Spec,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // run event streaming holds connections open
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen and serve")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
