// Package maintenance removes editor session records that no client will ever
// delete: owners that crashed or lost connectivity before their own cleanup ran.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const opSweep = "maintenance.sweep"

var (
	errMissingPurger     = errors.New("maintenance: purger is required")
	errInvalidInterval   = errors.New("maintenance: sweep interval must be positive")
	errInvalidPurgeAfter = errors.New("maintenance: purge age must be positive")
)

// Purger deletes every session whose last heartbeat precedes cutoff and reports how many it removed.
type Purger interface {
	PurgeInactive(ctx context.Context, cutoff time.Time) (int, error)
}

// SweeperConfig describes how often to sweep and how old an abandoned record must be.
type SweeperConfig struct {
	Purger     Purger
	Interval   time.Duration
	PurgeAfter time.Duration
	Clock      func() time.Time
	// NewTicker defaults to time.NewTicker's channel; tests supply their own.
	NewTicker func(time.Duration) (<-chan time.Time, func())
	Logger    *zap.Logger
}

// Sweeper periodically purges abandoned session records.
type Sweeper struct {
	purger     Purger
	interval   time.Duration
	purgeAfter time.Duration
	clock      func() time.Time
	newTicker  func(time.Duration) (<-chan time.Time, func())
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewSweeper validates cfg and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Purger == nil {
		return nil, errMissingPurger
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	if cfg.PurgeAfter <= 0 {
		return nil, errInvalidPurgeAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = func(interval time.Duration) (<-chan time.Time, func()) {
			ticker := time.NewTicker(interval)
			return ticker.C, ticker.Stop
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		purger:     cfg.Purger,
		interval:   cfg.Interval,
		purgeAfter: cfg.PurgeAfter,
		clock:      clock,
		newTicker:  newTicker,
		logger:     logger,
	}, nil
}

// Start sweeps once immediately and then on every tick until ctx ends or Stop is called.
// It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()
	defer cancel()

	ticks, stopTicker := s.newTicker(s.interval)
	defer stopTicker()

	s.logger.Info("session sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("purge_after", s.purgeAfter))
	_, _ = s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return
		case <-ticks:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.running.Wait()
}

// SweepOnce purges records whose last heartbeat is older than the purge age.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.purgeAfter)
	purged, err := s.purger.PurgeInactive(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("session sweep failed", zap.String("operation", opSweep), zap.Error(err))
		}
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("abandoned editor sessions purged",
			zap.Int("session_count", purged),
			zap.Time("cutoff", cutoff))
	}
	return purged, nil
}
