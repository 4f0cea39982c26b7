package conversation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically clears ciphertext on self-destructing messages past
// their expiry, the same pruner shape the teacher uses for retention:
// its own goroutine and ticker, a bounded batch per tick, and clean
// shutdown on context cancellation.
type Sweeper struct {
	store     *store
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		store:     svc.store,
		interval:  interval,
		batchSize: batchSize,
		log:       svc.log.With().Str("worker", "self-destruct-sweeper").Logger(),
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
	cleared, err := sw.store.sweepExpired(ctx, sw.batchSize)
	if err != nil {
		sw.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if cleared > 0 {
		sw.log.Info().Int("cleared", cleared).Msg("cleared expired self-destruct messages")
	}
}
