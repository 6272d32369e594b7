package runners

import (
	"context"
	"time"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/parsing"
)

// permsRelatedActions maps each privilege-affecting modlog action to
// the username that should have its permission snapshot flushed.
var permsRelatedActions = map[string]func(bus.ModlogEvent) string{
	"banuser":               func(ev bus.ModlogEvent) string { return ev.TargetUser },
	"unbanuser":             func(ev bus.ModlogEvent) string { return ev.TargetUser },
	"acceptmoderatorinvite": func(ev bus.ModlogEvent) string { return ev.Mod },
	"removemoderator":       func(ev bus.ModlogEvent) string { return ev.TargetUser },
	"addcontributor":        func(ev bus.ModlogEvent) string { return ev.TargetUser },
	"removecontributor":     func(ev bus.ModlogEvent) string { return ev.TargetUser },
}

// ModlogCacheFlushHandler invalidates permission snapshots when a mod
// action changes someone's standing, and maintains the temporary-bans
// table so the reaper can flush again when a timed ban lapses.
func ModlogCacheFlushHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.ModlogEvent](body)
		if err != nil {
			return err
		}

		pick, ok := permsRelatedActions[ev.Action]
		if !ok {
			return nil
		}
		username := pick(ev)
		if username == "" {
			d.log().Debug("modlog action without a target username",
				"action", ev.Action, "mod", ev.Mod)
			return nil
		}

		d.log().Info("flushing permission snapshot after mod action",
			"action", ev.Action, "mod", ev.Mod, "username", username)
		if err := d.Perms.FlushCache(username); err != nil {
			return err
		}

		if ev.Action == "banuser" && ev.Details != "permanent" {
			return d.recordTemporaryBan(ctx, ev)
		}
		if ev.Action == "banuser" || ev.Action == "unbanuser" {
			return d.clearTemporaryBans(ctx, username, ev.Subreddit)
		}
		return nil
	}
}

// recordTemporaryBan parses the ban duration out of the action details
// and stores the expiry. An unparseable duration is logged and
// dropped; the user may then need a manual cache flush when the ban
// lapses.
func (d Deps) recordTemporaryBan(ctx context.Context, ev bus.ModlogEvent) error {
	duration, err := parsing.ParseTemporaryBan(ev.Details)
	if err != nil {
		d.log().Warn("could not parse temporary ban duration, not tracking expiry",
			"username", ev.TargetUser, "details", ev.Details, "err", err)
		return nil
	}

	store := d.Ledger.Store()
	userID, err := store.FindOrCreateUser(ctx, ev.TargetUser)
	if err != nil {
		return err
	}
	modID, err := store.FindOrCreateUser(ctx, ev.Mod)
	if err != nil {
		return err
	}

	endsAt := d.now().Add(duration)
	if err := d.Bans.InsertBan(ctx, userID, modID, ev.Subreddit, endsAt); err != nil {
		return err
	}
	d.log().Info("recorded temporary ban",
		"username", ev.TargetUser, "subreddit", ev.Subreddit,
		"details", ev.Details, "ends_at", endsAt.Format(time.RFC3339))
	return nil
}

// clearTemporaryBans drops any tracked timed bans for the user: a
// permanent ban or an unban supersedes them.
func (d Deps) clearTemporaryBans(ctx context.Context, username, subreddit string) error {
	store := d.Ledger.Store()
	userID, err := store.FindOrCreateUser(ctx, username)
	if err != nil {
		return err
	}
	return d.Bans.DeleteBansFor(ctx, userID, subreddit)
}
