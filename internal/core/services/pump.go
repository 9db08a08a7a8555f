package services

import (
	"context"
	"log/slog"
	"time"
)

// Pump periodically drives the queue: one tick plus one stale-claim sweep
// per interval. It is purely a convenience wrapper around the externally
// triggerable scheduler entry points; nothing in the state machine
// depends on it running.
type Pump struct {
	logger    *slog.Logger
	scheduler *Scheduler
	interval  time.Duration // default 30 seconds
}

func NewPump(logger *slog.Logger, scheduler *Scheduler, interval time.Duration) *Pump {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Pump{
		logger:    logger,
		scheduler: scheduler,
		interval:  interval,
	}
}

// Run starts the pump loop. Blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("queue pump started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue pump stopped")
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Pump) cycle(ctx context.Context) {
	if _, err := p.scheduler.RecoverStaleOperations(ctx, RecoverOptions{}); err != nil {
		p.logger.Error("pump: stale recovery failed", "error", err)
	}
	if _, err := p.scheduler.TickQueue(ctx, TickOptions{}); err != nil {
		p.logger.Error("pump: queue tick failed", "error", err)
	}
}
