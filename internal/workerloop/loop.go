// Package workerloop drives the worker's main claim/dispatch cycle:
// periodic lease expiry, environment-row bootstrapping, and claiming
// environment or run work while concurrency capacity remains, falling
// back to a geometrically backed-off idle poll that a Postgres NOTIFY
// can cut short.
package workerloop

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/envjob"
	"github.com/ade-run/ade/internal/gc"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/queue"
	"github.com/ade-run/ade/internal/repo"
	"github.com/ade-run/ade/internal/runjob"
	"github.com/ade-run/ade/internal/wake"
)

// Loop owns the worker's claim/dispatch cycle for one worker process.
type Loop struct {
	Worker   config.WorkerConfig
	EnvQueue *queue.EnvironmentQueue
	RunQueue *queue.RunQueue
	EnvJob   *envjob.Job
	RunJob   *runjob.Job
	Repo     *repo.Repo
	Paths    *pathsafe.Manager
	WorkerID string
	Logger   *logging.Logger
	Wake     *wake.Signal     // optional; nil disables the NOTIFY-driven wakeup
	Metrics  *metrics.Metrics // optional; nil disables metric recording
}

func (l *Loop) recordClaim(scope string, claimed bool) {
	if l.Metrics == nil {
		return
	}
	result := "empty"
	if claimed {
		result = "claimed"
	}
	l.Metrics.RecordClaim(scope, result)
}

func nextGCDeadline(now time.Time, interval time.Duration) time.Time {
	if interval < 0 {
		interval = 0
	}
	jitter := interval / 20 // 5%
	if jitter > 5*time.Second {
		jitter = 5 * time.Second
	}
	return now.Add(interval).Add(time.Duration(rand.Int63n(int64(jitter) + 1)))
}

// Run drives the worker loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.Logger.WithField("worker_id", l.WorkerID).
		WithField("concurrency", l.Worker.Concurrency).
		Info("ade worker starting")

	poll := time.Duration(l.Worker.PollIntervalSeconds * float64(time.Second))
	maxPoll := time.Duration(l.Worker.PollIntervalMax * float64(time.Second))
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if maxPoll <= 0 {
		maxPoll = 2 * time.Second
	}

	cleanupEvery := time.Duration(l.Worker.CleanupIntervalSeconds * float64(time.Second))
	if cleanupEvery <= 0 {
		cleanupEvery = 30 * time.Second
	}
	nextCleanup := time.Now().Add(cleanupEvery)

	gcEnabled := l.Worker.EnableGC && l.Worker.GCIntervalSeconds > 0
	gcInterval := time.Duration(l.Worker.GCIntervalSeconds * float64(time.Second))
	var nextGC time.Time
	if gcEnabled {
		nextGC = nextGCDeadline(time.Now(), gcInterval)
	}

	concurrency := l.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	ensureBatch := concurrency * 5
	if ensureBatch < 10 {
		ensureBatch = 10
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var inFlight int32

	submitEnv := func(claim queue.EnvironmentClaim) {
		sem <- struct{}{}
		wg.Add(1)
		atomic.AddInt32(&inFlight, 1)
		go func() {
			defer func() {
				<-sem
				atomic.AddInt32(&inFlight, -1)
				wg.Done()
				if r := recover(); r != nil {
					l.Logger.WithField("panic", r).Error("environment work item crashed")
				}
				if l.Wake != nil {
					l.Wake.WorkDone()
				}
			}()
			l.EnvJob.Process(ctx, claim)
		}()
	}
	submitRun := func(claim queue.RunClaim) {
		sem <- struct{}{}
		wg.Add(1)
		atomic.AddInt32(&inFlight, 1)
		go func() {
			defer func() {
				<-sem
				atomic.AddInt32(&inFlight, -1)
				wg.Done()
				if r := recover(); r != nil {
					l.Logger.WithField("panic", r).Error("run work item crashed")
				}
				if l.Wake != nil {
					l.Wake.WorkDone()
				}
			}()
			l.RunJob.Process(ctx, claim)
		}()
	}

	for {
		if ctx.Err() != nil {
			wg.Wait()
			return
		}

		now := time.Now().UTC()

		if time.Now().After(nextCleanup) {
			if expiredRuns, err := l.RunQueue.ExpireStuck(ctx, now); err != nil {
				l.Logger.WithError(err).Error("run lease expiration failed")
			} else if expiredRuns > 0 {
				l.Logger.WithField("count", expiredRuns).Info("expired stuck run leases")
				if l.Metrics != nil {
					l.Metrics.RecordLeaseExpired("run", expiredRuns)
				}
			}

			if expiredEnvs, err := l.EnvQueue.ExpireStuck(ctx, now); err != nil {
				l.Logger.WithError(err).Error("environment lease expiration failed")
			} else if expiredEnvs > 0 {
				l.Logger.WithField("count", expiredEnvs).Info("expired stuck environment leases")
				if l.Metrics != nil {
					l.Metrics.RecordLeaseExpired("environment", expiredEnvs)
				}
			}

			if l.Metrics != nil {
				if depth, err := l.EnvQueue.Depth(ctx, now); err == nil {
					l.Metrics.SetQueueDepth("environment", depth)
				}
				if depth, err := l.RunQueue.Depth(ctx, now); err == nil {
					l.Metrics.SetQueueDepth("run", depth)
				}
			}

			nextCleanup = time.Now().Add(cleanupEvery)
		}

		if gcEnabled && !nextGC.IsZero() && time.Now().After(nextGC) {
			if envResult, err := gc.Environments(ctx, l.Repo.DB(), l.Paths, now, l.Worker.EnvTTLDays, l.Logger); err != nil {
				l.Logger.WithError(err).Error("environment GC failed")
			} else if envResult.Scanned > 0 {
				l.Logger.WithField("scanned", envResult.Scanned).
					WithField("deleted", envResult.Deleted).
					WithField("skipped", envResult.Skipped).
					WithField("failed", envResult.Failed).
					Info("gc environments")
				if l.Metrics != nil {
					l.Metrics.RecordGC(l.Metrics.GCEnvironmentsReclaimedTotal, envResult.Deleted, envResult.Skipped, envResult.Failed)
				}
			}

			if l.Worker.RunArtifactTTLDays > 0 {
				if runResult, err := gc.RunArtifacts(ctx, l.Repo.DB(), l.Paths, now, l.Worker.RunArtifactTTLDays, l.Logger); err != nil {
					l.Logger.WithError(err).Error("run artifact GC failed")
				} else if runResult.Scanned > 0 {
					l.Logger.WithField("scanned", runResult.Scanned).
						WithField("deleted", runResult.Deleted).
						WithField("skipped", runResult.Skipped).
						WithField("failed", runResult.Failed).
						Info("gc run artifacts")
					if l.Metrics != nil {
						l.Metrics.RecordGC(l.Metrics.GCRunArtifactsReclaimedTotal, runResult.Deleted, runResult.Skipped, runResult.Failed)
					}
				}
			}

			nextGC = nextGCDeadline(time.Now(), gcInterval)
		}

		if _, err := l.Repo.EnsureEnvironmentRowsForQueuedRuns(ctx, now, ensureBatch); err != nil {
			l.Logger.WithError(err).Error("failed to ensure environment rows for queued runs")
		}

		claimedAny := false
		for int(atomic.LoadInt32(&inFlight)) < concurrency {
			envClaim, err := l.EnvQueue.ClaimNext(ctx, l.WorkerID, now, l.Worker.LeaseSeconds)
			if err != nil {
				l.Logger.WithError(err).Error("claim next environment failed")
				break
			}
			l.recordClaim("environment", envClaim != nil)
			if envClaim != nil {
				claimedAny = true
				submitEnv(*envClaim)
				continue
			}

			runClaim, err := l.RunQueue.ClaimNext(ctx, l.WorkerID, now, l.Worker.LeaseSeconds)
			if err != nil {
				l.Logger.WithError(err).Error("claim next run failed")
				break
			}
			l.recordClaim("run", runClaim != nil)
			if runClaim == nil {
				break
			}
			claimedAny = true
			submitRun(*runClaim)
		}

		if claimedAny {
			poll = time.Duration(l.Worker.PollIntervalSeconds * float64(time.Second))
			continue
		}

		if l.Wake != nil {
			l.Wake.Wait(poll)
		} else {
			select {
			case <-ctx.Done():
			case <-time.After(poll):
			}
		}
		poll = time.Duration(float64(poll)*1.25) + 10*time.Millisecond
		if poll > maxPoll {
			poll = maxPoll
		}
	}
}
