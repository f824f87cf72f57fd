package relay

import (
	"context"
	"log"
	"time"

	"github.com/punitmishra/chai.im/internal/metrics"
)

// Reaper prunes messages that were acknowledged longer ago than the
// retention window. Unacknowledged rows are never touched.
type Reaper struct {
	store         Store
	retentionDays int
	interval      time.Duration
}

// NewReaper builds a reaper with the given retention, scanning hourly.
func NewReaper(store Store, retentionDays int) *Reaper {
	return &Reaper{
		store:         store,
		retentionDays: retentionDays,
		interval:      time.Hour,
	}
}

// Run prunes on a ticker until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.DeleteOldDelivered(r.retentionDays)
			if err != nil {
				log.Printf("[reaper] prune: %v", err)
				continue
			}
			if n > 0 {
				metrics.ReapedMessages.Add(float64(n))
				log.Printf("[reaper] pruned %d delivered messages", n)
			}
		}
	}
}
