// Command worker drives ade's environment provisioning and run execution
// queues: claim, subprocess invocation, result ack, and periodic GC.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/dbx"
	"github.com/ade-run/ade/internal/envjob"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/migrations"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/queue"
	"github.com/ade-run/ade/internal/repo"
	"github.com/ade-run/ade/internal/runjob"
	"github.com/ade-run/ade/internal/subprocess"
	"github.com/ade-run/ade/internal/wake"
	"github.com/ade-run/ade/internal/workerloop"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file (ADE_* env vars still override it)")
	flag.Parse()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	log.WithField("app", "ade-worker").WithField("worker_id", workerID).Info("starting")

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

	dataRepo := repo.New(db)
	paths := pathsafe.New(cfg.Storage.WorkspacesDir, cfg.Storage.VenvsDir)
	envQueue := queue.NewEnvironmentQueue(db)
	runQueue := queue.NewRunQueue(db, cfg.Worker.BackoffBaseSeconds, cfg.Worker.BackoffMaxSeconds)
	runner := subprocess.NewRunner()

	m := metrics.New()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.WorkerPort)
			log.WithField("addr", addr).Info("metrics listening")
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	var wakeSignal *wake.Signal
	var listener *wake.Listener
	if cfg.Worker.NotifyChannel != "" {
		wakeSignal = wake.NewSignal()
		listener = wake.NewListener(cfg.Database.URL, cfg.Worker.NotifyChannel, wakeSignal, log)
		listener.Start()
		defer listener.Stop()
	}

	loop := &workerloop.Loop{
		Worker:   cfg.Worker,
		EnvQueue: envQueue,
		RunQueue: runQueue,
		EnvJob: &envjob.Job{
			Config:   cfg.Worker,
			Engine:   cfg.Engine,
			Queue:    envQueue,
			Repo:     dataRepo,
			Paths:    paths,
			Runner:   runner,
			WorkerID: workerID,
			Logger:   log,
			Metrics:  m,
		},
		RunJob: &runjob.Job{
			Worker:   cfg.Worker,
			Engine:   cfg.Engine,
			Queue:    runQueue,
			Repo:     dataRepo,
			Paths:    paths,
			Runner:   runner,
			WorkerID: workerID,
			Logger:   log,
			Metrics:  m,
		},
		Repo:     dataRepo,
		Paths:    paths,
		WorkerID: workerID,
		Logger:   log,
		Wake:     wakeSignal,
		Metrics:  m,
	}

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	<-done
}
