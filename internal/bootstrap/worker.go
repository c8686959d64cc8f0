package bootstrap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/services/command"
)

// Sweeper periodically expires lapsed reservations so their capital becomes
// allocatable again without waiting for the next read.
type Sweeper struct {
	uc       *command.UseCase
	interval time.Duration
	logger   *zap.SugaredLogger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewSweeper builds a sweeper with the given cadence, floored at one second.
func NewSweeper(uc *command.UseCase, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if interval < time.Second {
		interval = time.Second
	}

	return &Sweeper{
		uc:       uc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until Stop is called or the context
// is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.started = true

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				expired, err := s.uc.SweepReservations(ctx)
				if err != nil {
					s.logger.Warnw("reservation sweep failed", "error", err)
					continue
				}

				if expired > 0 {
					s.logger.Infow("reservation sweep completed", "expired", expired)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	if s.started {
		<-s.done
	}
}
