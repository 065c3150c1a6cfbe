// Package wake implements the Postgres LISTEN/NOTIFY based wake signal
// that lets the worker cut its idle-poll latency: rather than always
// sleeping the full poll interval, it wakes early whenever the database
// trigger on runs NOTIFYs the run-queued channel.
package wake

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ade-run/ade/internal/logging"
)

// Signal tracks whether the worker was woken by a NOTIFY, as opposed to
// a timeout or a call to WorkDone after claiming work itself.
type Signal struct {
	mu           sync.Mutex
	ch           chan struct{}
	notifyCount  int
}

// NewSignal builds an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify records that a NOTIFY arrived and wakes any waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	s.notifyCount++
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// WorkDone wakes any waiter without marking it as a NOTIFY-driven wake
// (used after the worker claims work on its own, so the loop polls
// again immediately rather than sleeping).
func (s *Signal) WorkDone() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until timeout elapses or the signal fires, returning true
// only if it fired because of a NOTIFY (not a timeout, not WorkDone).
func (s *Signal) Wait(timeout time.Duration) bool {
	select {
	case <-s.ch:
	case <-time.After(timeout):
	}
	s.mu.Lock()
	notified := s.notifyCount > 0
	s.notifyCount = 0
	s.mu.Unlock()
	return notified
}

// Listener runs a background LISTEN loop on a Postgres channel and calls
// Signal.Notify on every notification received, reconnecting with
// jittered backoff if the connection drops.
type Listener struct {
	dsn     string
	channel string
	signal  *Signal
	logger  *logging.Logger

	listener *pq.Listener
	stop     chan struct{}
	done     chan struct{}
}

// NewListener builds a Listener for channel over dsn, wiring Notify
// calls through to signal.
func NewListener(dsn, channel string, signal *Signal, logger *logging.Logger) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		signal:  signal,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background listen loop. It returns immediately.
func (l *Listener) Start() {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && l.logger != nil {
			l.logger.WithField("event", ev).WithError(err).Warn("wake: listener connection event")
		}
	}
	l.listener = pq.NewListener(l.dsn, 10*time.Second, time.Minute, reportProblem)

	go l.run()
}

// Stop shuts the listener down, blocking until the background goroutine
// has exited.
func (l *Listener) Stop() {
	close(l.stop)
	<-l.done
	if l.listener != nil {
		_ = l.listener.Close()
	}
}

func (l *Listener) run() {
	defer close(l.done)

	if err := l.listener.Listen(l.channel); err != nil {
		if l.logger != nil {
			l.logger.WithError(err).Error("wake: initial listen failed")
		}
	}

	backoff := time.Second
	for {
		select {
		case <-l.stop:
			return
		case n := <-l.listener.Notify:
			if n == nil {
				// Connection dropped; pq.Listener reconnects and re-issues
				// LISTEN on its own. Nothing to do here but keep looping.
				continue
			}
			l.signal.Notify()
			backoff = time.Second
		case <-time.After(90 * time.Second):
			// Ping to keep the connection alive and detect a dead link.
			if err := l.listener.Ping(); err != nil {
				if l.logger != nil {
					l.logger.WithError(err).WithField("retry_in", backoff).Warn("wake: listener ping failed")
				}
				time.Sleep(backoff + time.Duration(rand.Int63n(int64(time.Second))))
				backoff = minDuration(backoff*2, 30*time.Second)
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
