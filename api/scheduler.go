/*
scheduler.go - Background integrity checks and outbox relay

PURPOSE:
  Runs two periodic jobs next to the HTTP server:
  - Integrity: verifies the accounting equation and every user's
    liability mirror, logging an ERROR when the books do not hold.
  - Outbox: drains unpublished audit records to the event publisher.

DESIGN:
  - One goroutine per job, each with its own ticker
  - Both jobs run once immediately on start
  - Stop closes the stop channel and waits for in-flight runs
  - A failed run is logged and retried on the next tick

CONFIGURATION:
  - IntegrityInterval: default 15 minutes
  - OutboxInterval:    default 5 seconds
  - Zero or negative disables that job

USAGE:
  scheduler := NewScheduler(engine, relay, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - finance/engine.go: VerifyIntegrity
  - events/relay.go: Outbox relay
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/preiposip/fincore/finance"
)

// IntegrityChecker is satisfied by *finance.Engine.
type IntegrityChecker interface {
	VerifyIntegrity(ctx context.Context) (finance.IntegrityReport, error)
}

// OutboxDrainer is satisfied by *events.Relay.
type OutboxDrainer interface {
	Drain(ctx context.Context) (int, error)
}

// Scheduler runs the integrity and outbox jobs.
type Scheduler struct {
	Checker           IntegrityChecker
	Relay             OutboxDrainer
	IntegrityInterval time.Duration
	OutboxInterval    time.Duration

	logger  *slog.Logger
	stop    chan struct{}
	started bool
	wg      sync.WaitGroup
	mu      sync.Mutex

	lastMu     sync.Mutex
	lastReport *finance.IntegrityReport
}

// NewScheduler creates a scheduler with default intervals. relay may be
// nil to run integrity checks only.
func NewScheduler(checker IntegrityChecker, relay OutboxDrainer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Checker:           checker,
		Relay:             relay,
		IntegrityInterval: 15 * time.Minute,
		OutboxInterval:    5 * time.Second,
		logger:            logger.With("component", "scheduler"),
		stop:              make(chan struct{}),
	}
}

// Start begins both jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if s.Checker != nil && s.IntegrityInterval > 0 {
		s.every(s.IntegrityInterval, s.checkIntegrity)
	}
	if s.Relay != nil && s.OutboxInterval > 0 {
		s.every(s.OutboxInterval, s.relayOutbox)
	}
	s.logger.Info("scheduler started",
		"integrity_interval", s.IntegrityInterval, "outbox_interval", s.OutboxInterval)
}

// Stop stops both jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.stop = make(chan struct{})
	s.started = false
	s.logger.Info("scheduler stopped")
}

// LastReport returns the most recent integrity report, if any.
func (s *Scheduler) LastReport() (finance.IntegrityReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastReport == nil {
		return finance.IntegrityReport{}, false
	}
	return *s.lastReport, true
}

func (s *Scheduler) every(interval time.Duration, job func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-s.stop
			cancel()
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run immediately on start
		job(ctx)
		for {
			select {
			case <-ticker.C:
				job(ctx)
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Scheduler) checkIntegrity(ctx context.Context) {
	rep, err := s.Checker.VerifyIntegrity(ctx)
	if err != nil {
		s.logger.Error("integrity check failed", "error", err)
		return
	}
	s.lastMu.Lock()
	s.lastReport = &rep
	s.lastMu.Unlock()

	if !rep.Healthy {
		s.logger.Error("books out of balance",
			"equation_balanced", rep.Equation.IsBalanced,
			"assets", rep.Equation.Assets,
			"liabilities_plus_equity", rep.Equation.LiabilitiesPlusEquity,
			"mirror_violations", len(rep.Mirrors),
			"negative_wallets", rep.NegativeWallets)
		return
	}
	s.logger.Debug("integrity check passed", "wallets_checked", rep.WalletsChecked)
}

func (s *Scheduler) relayOutbox(ctx context.Context) {
	n, err := s.Relay.Drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("outbox relay failed", "published", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("outbox relayed", "published", n)
	}
}
