package runners

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/proxy"
)

// modSyncInterval is how often the roster is reconciled against the
// live moderator list.
const modSyncInterval = 7 * 24 * time.Hour

// ModSync polls the live moderator list once a week and diffs it
// against the local roster, emitting the same added/removed events the
// modlog watcher would. It catches changes the modlog missed (eg while
// the bot was down).
type ModSync struct {
	deps Deps
}

// NewModSync wires the weekly roster reconciler.
func NewModSync(deps Deps) *ModSync {
	return &ModSync{deps: deps}
}

// Run wakes hourly and syncs when a week has passed since the last
// recorded check. The timestamp lives in the shared cache so restarts
// do not reset the schedule.
func (w *ModSync) Run(ctx context.Context) error {
	return runEvery(ctx, time.Hour, w.deps.log(), "mod_sync", w.maybeSync)
}

func (w *ModSync) maybeSync(ctx context.Context) error {
	now := w.deps.now()
	if raw, found, err := w.deps.Cache.Get(cache.ModSyncLastCheckAtKey); err != nil {
		return err
	} else if found {
		// The key holds epoch seconds as a float; the website writes
		// and reads the same form.
		last, err := strconv.ParseFloat(string(raw), 64)
		if err == nil && now.Sub(time.Unix(int64(last), 0)) < modSyncInterval {
			return nil
		}
	}

	if err := w.sync(ctx); err != nil {
		return err
	}
	stamp := float64(now.UnixNano()) / float64(time.Second)
	return w.deps.Cache.Set(cache.ModSyncLastCheckAtKey,
		[]byte(strconv.FormatFloat(stamp, 'f', 6, 64)), 0)
}

// sync fetches every subreddit's moderators and applies the diff. Any
// non-copy response aborts the whole round; a partial roster would
// read as mass removals.
func (w *ModSync) sync(ctx context.Context) error {
	live := map[string]bool{}
	for _, sub := range w.deps.Config.Subreddits {
		var page struct {
			Mods []struct {
				Username string `json:"username"`
			} `json:"mods"`
		}
		err := w.deps.Proxy.SendInto(ctx, "subreddit_moderators",
			map[string]any{"subreddit": sub}, &page)
		if errors.Is(err, proxy.ErrNotCopy) {
			w.deps.log().Info("moderator list unavailable, skipping sync",
				"subreddit", sub)
			return nil
		}
		if err != nil {
			return err
		}
		for _, mod := range page.Mods {
			live[strings.ToLower(mod.Username)] = true
		}
	}

	local, err := w.deps.Website.Store().ListModerators(ctx)
	if err != nil {
		return err
	}
	localSet := map[string]bool{}
	for _, mod := range local {
		localSet[mod.Username] = true
		if !live[mod.Username] {
			if err := w.deps.removeModerator(ctx, mod.Username); err != nil {
				return err
			}
		}
	}
	for username := range live {
		if !localSet[username] {
			if err := w.deps.addModerator(ctx, username); err != nil {
				return err
			}
		}
	}
	return nil
}
