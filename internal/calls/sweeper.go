package calls

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically transitions calls left ringing past the ring
// timeout to missed, the durable counterpart to the in-process
// time.AfterFunc armed by Initiate — it is what lets a call recover from a
// server restart instead of staying ringing forever. Same shape as
// conversation.Sweeper: its own goroutine and ticker, a bounded batch per
// tick, clean shutdown on context cancellation.
type Sweeper struct {
	svc       *Service
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		svc:       svc,
		interval:  interval,
		batchSize: batchSize,
		log:       svc.log.With().Str("worker", "call-ring-timeout-sweeper").Logger(),
	}
}

func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.tick(ctx)
		}
	}
}

func (sw *Sweeper) tick(ctx context.Context) {
	missed, err := sw.svc.SweepRingTimeouts(ctx, sw.batchSize)
	if err != nil {
		sw.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if missed > 0 {
		sw.log.Info().Int("missed", missed).Msg("transitioned timed-out ringing calls to missed")
	}
}
