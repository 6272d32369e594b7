// Package runners holds the bot's workers: the comment and link
// scanners, the event-driven lifecycle handlers, and the scheduled
// maintenance jobs. Each worker is single-threaded; the fleet runs one
// goroutine per worker and restarts the whole process when any dies.
package runners

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/config"
	"github.com/LoansBot/loansbot/internal/endpoints"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/perms"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
	"github.com/LoansBot/loansbot/internal/trusts"
	"github.com/LoansBot/loansbot/internal/website"
)

// Proxy is the forum-proxy surface workers call. proxy.Client
// satisfies it; tests substitute a fake.
type Proxy interface {
	Send(ctx context.Context, typ string, args any) (*proxy.Response, error)
	SendInto(ctx context.Context, typ string, args any, out any) error
}

// Publisher posts events onto the topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Deps bundles the services the workers act through. Every worker
// receives its own Deps value; in particular Proxy must not be shared
// across workers, each owns its response queue.
type Deps struct {
	Config    *config.Config
	Ledger    *ledger.Service
	Perms     *perms.Service
	Bans      perms.BanStore
	Trusts    trusts.Store
	Endpoints endpoints.Store
	Website   *website.Service
	Responses responses.Store
	Cache     *cache.Cache
	Proxy     Proxy
	Publisher Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (d Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

// modmailRecipient is where moderator alerts go.
func (d Deps) modmailRecipient() string {
	return "/r/" + d.Config.PrimarySubreddit()
}

// compose sends a private message through the proxy. A non-copy
// response means the proxy declined (deleted recipient, etc) and is
// not an error.
func (d Deps) compose(ctx context.Context, recipient, subject, body string) error {
	_, err := d.Proxy.Send(ctx, "compose", map[string]any{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	})
	if errors.Is(err, proxy.ErrNotCopy) {
		return nil
	}
	return err
}

// sendLetter renders the two-part letter {name}_title / {name}_body
// and composes it to the user, recording the send in the letter
// history when userID is known.
func (d Deps) sendLetter(ctx context.Context, username string, userID int64, name string, params map[string]string) error {
	subject, err := responses.Get(ctx, d.Responses, name+"_title", params)
	if err != nil {
		return err
	}
	body, err := responses.Get(ctx, d.Responses, name+"_body", params)
	if err != nil {
		return err
	}
	if err := d.compose(ctx, username, subject, body); err != nil {
		return err
	}
	if userID != 0 && d.Website != nil {
		return d.Website.StoreLetterHistory(ctx, userID, name)
	}
	return nil
}

// runEvery runs fn immediately and then at the interval until the
// context is cancelled. A failing iteration is logged and the loop
// keeps going; scanners must survive proxy or database hiccups.
func runEvery(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("worker iteration failed", "worker", name, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runDailyAt sleeps until the next hh:mm UTC, runs fn, and repeats.
func runDailyAt(ctx context.Context, clock func() time.Time, hour, minute int, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	for {
		wait := time.Until(nextRunAt(clock(), hour, minute))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("scheduled job failed", "worker", name, "err", err)
		}
	}
}

// nextRunAt is the next hh:mm UTC strictly after now.
func nextRunAt(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
