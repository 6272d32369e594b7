package runners

import (
	"context"
	"time"
)

const (
	// tempBanSweepInterval is how often expired bans are reaped.
	tempBanSweepInterval = 10 * time.Minute
	// tempBanBatchSize bounds one reaping round; looping in batches
	// keeps memory flat if a pile of bans lapses at once.
	tempBanBatchSize = 100
	// tempBanLeeway flushes bans about to expire, so the user's next
	// interaction sees fresh permissions instead of the banned
	// snapshot.
	tempBanLeeway = time.Minute
)

// TempBanReaper deletes lapsed temporary bans and flushes the affected
// users' permission snapshots so they can interact again.
type TempBanReaper struct {
	deps Deps
}

// NewTempBanReaper wires the reaper.
func NewTempBanReaper(deps Deps) *TempBanReaper {
	return &TempBanReaper{deps: deps}
}

// Run sweeps every ten minutes until cancelled.
func (w *TempBanReaper) Run(ctx context.Context) error {
	return runEvery(ctx, tempBanSweepInterval, w.deps.log(), "temp_ban_expired_cache_flush", w.sweep)
}

func (w *TempBanReaper) sweep(ctx context.Context) error {
	cutoff := w.deps.now().Add(tempBanLeeway)
	for {
		bans, err := w.deps.Bans.ExpiringBans(ctx, cutoff, tempBanBatchSize)
		if err != nil {
			return err
		}
		if len(bans) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(bans))
		for _, ban := range bans {
			w.deps.log().Info("temporary ban expired, flushing permission snapshot",
				"username", ban.Username, "subreddit", ban.Subreddit,
				"ended_at", ban.EndsAt.Format(time.RFC3339))
			if err := w.deps.Perms.FlushCache(ban.Username); err != nil {
				return err
			}
			ids = append(ids, ban.ID)
		}
		if err := w.deps.Bans.DeleteBans(ctx, ids); err != nil {
			return err
		}

		if len(bans) < tempBanBatchSize {
			return nil
		}
	}
}
