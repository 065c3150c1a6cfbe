// Command gc runs ade's environment and run-artifact garbage collection
// sweeps on their own cron schedule, for operators who'd rather drive GC
// out-of-process instead of interleaving it with the worker's claim loop
// (see ADE_WORKER_GC_CRON_SCHEDULE).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/dbx"
	"github.com/ade-run/ade/internal/gc"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/pathsafe"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file (ADE_* env vars still override it)")
	once := flag.Bool("once", false, "run a single sweep and exit instead of scheduling on the cron expression")
	flag.Parse()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gc: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := dbx.Open(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	paths := pathsafe.New(cfg.Storage.WorkspacesDir, cfg.Storage.VenvsDir)

	sweep := func() {
		now := time.Now().UTC()
		if envResult, err := gc.Environments(ctx, db, paths, now, cfg.Worker.EnvTTLDays, log); err != nil {
			log.WithError(err).Error("environment GC sweep failed")
		} else {
			log.WithField("scanned", envResult.Scanned).
				WithField("deleted", envResult.Deleted).
				WithField("skipped", envResult.Skipped).
				WithField("failed", envResult.Failed).
				Info("gc: environments swept")
		}

		if cfg.Worker.RunArtifactTTLDays > 0 {
			if runResult, err := gc.RunArtifacts(ctx, db, paths, now, cfg.Worker.RunArtifactTTLDays, log); err != nil {
				log.WithError(err).Error("run artifact GC sweep failed")
			} else {
				log.WithField("scanned", runResult.Scanned).
					WithField("deleted", runResult.Deleted).
					WithField("skipped", runResult.Skipped).
					WithField("failed", runResult.Failed).
					Info("gc: run artifacts swept")
			}
		}
	}

	if *once {
		sweep()
		return
	}

	if cfg.Worker.GCCronSchedule == "" {
		fmt.Fprintln(os.Stderr, "gc: ADE_WORKER_GC_CRON_SCHEDULE is required unless -once is passed")
		os.Exit(1)
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Worker.GCCronSchedule, sweep); err != nil {
		log.WithError(err).Fatal("invalid gc cron schedule")
	}
	log.WithField("schedule", cfg.Worker.GCCronSchedule).Info("gc scheduler starting")
	c.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("gc scheduler shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
}
