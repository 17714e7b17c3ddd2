package battle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *zap.Logger
}

func NewScheduler(engine *Engine, interval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{engine: engine, interval: interval, log: log}
}

// Run triggers a settlement pass every interval until ctx ends. A tick that
// lands while the previous pass is still running is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.engine.SettleExpired(ctx)
	switch {
	case errors.Is(err, ErrSettlementRunning):
		s.log.Warn("battle settlement still running, skipping tick")
	case err != nil && ctx.Err() == nil:
		s.log.Error("battle settlement pass failed", zap.Error(err))
	}
}
