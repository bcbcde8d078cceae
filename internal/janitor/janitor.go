// Package janitor periodically evicts sessions that have been idle past
// their expiry.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

const DefaultInterval = time.Minute

// Sweeper is the part of the session store the janitor drives.
type Sweeper interface {
	Now() time.Time
	Sweep(now time.Time) []string
}

type Janitor struct {
	store    Sweeper
	interval time.Duration
}

var _ Sweeper = (*poker.Store)(nil)

func New(store Sweeper, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{store: store, interval: interval}
}

// Tick runs one sweep and returns the ids of the sessions it removed.
func (j *Janitor) Tick() []string {
	expired := j.store.Sweep(j.store.Now())
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Strs("sessions", expired).Msg("expired idle sessions")
	}
	return expired
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Tick()
		}
	}
}
