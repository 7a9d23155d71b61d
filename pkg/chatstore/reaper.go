package chatstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper periodically removes conversations that have been soft-deleted for
// longer than the retention window, together with their messages. Soft delete
// only hides rows; this loop is what actually reclaims the storage.
type Reaper struct {
	store     *SQLiteStore
	retention time.Duration
	interval  time.Duration
}

func NewReaper(store *SQLiteStore, retention, interval time.Duration) *Reaper {
	return &Reaper{store: store, retention: retention, interval: interval}
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.store == nil || r.interval <= 0 || r.retention <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.reapOnce(ctx, now)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context, now time.Time) int64 {
	if now.IsZero() {
		now = time.Now()
	}
	n, err := r.store.ReapDeleted(ctx, now.Add(-r.retention))
	if err != nil {
		log.Warn().Err(err).Str("component", "chatstore").Msg("reaper pass failed")
		return 0
	}
	if n > 0 {
		log.Info().Str("component", "chatstore").Int64("conversations", n).Msg("reaped soft-deleted conversations")
	}
	return n
}
