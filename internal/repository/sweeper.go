package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically purges expired entries from memory-resident stores.
// Redis-backed stores expire natively and never register here.
type Sweeper struct {
	interval time.Duration
	purgers  []Purger
	logger   *zap.Logger
	done     chan struct{}
	stopped  chan struct{}
}

// NewSweeper builds a sweeper over the given purgers. A non-positive interval
// falls back to one minute.
func NewSweeper(interval time.Duration, logger *zap.Logger, purgers ...Purger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		interval: interval,
		purgers:  purgers,
		logger:   logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; Stop tears it down.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.done)
	<-s.stopped
}

func (s *Sweeper) sweep(now time.Time) {
	total := 0
	for _, p := range s.purgers {
		total += p.PurgeExpired(now)
	}
	if total > 0 {
		s.log().Debug("expired flow state purged", zap.Int("entries", total))
	}
}

func (s *Sweeper) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
