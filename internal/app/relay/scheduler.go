package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the period between timer-driven cycles.
const DefaultInterval = 60 * time.Second

// Scheduler fires a timer cycle every interval until stopped.
type Scheduler struct {
	cycles   cycleTrigger
	clock    clockwork.Clock
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler. A nil clock uses the real clock.
func NewScheduler(engine *Engine, clock clockwork.Clock, interval time.Duration, logger *log.Logger) *Scheduler {
	return newScheduler(engine, clock, interval, logger)
}

func newScheduler(cycles cycleTrigger, clock clockwork.Clock, interval time.Duration, logger *log.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{cycles: cycles, clock: clock, interval: interval, logger: logger}
}

// Start launches the ticker loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("relay: scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	go s.run(runCtx, ticker, s.done)
	s.logger.Printf("relay: scheduler started (interval %v)", s.interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context, ticker clockwork.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !s.cycles.Trigger(TriggerTimer) {
				s.logger.Printf("relay: scheduler tick dropped, engine closed")
				return
			}
		}
	}
}

// Stop halts the loop and waits for it to exit. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
