package runners

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/proxy"
)

// modlogPollInterval is how often the moderator log is scanned.
const modlogPollInterval = time.Hour

// producerActions are the modlog actions republished onto the bus;
// everything else in the log is noise to us.
var producerActions = map[string]bool{
	"banuser":               true,
	"unbanuser":             true,
	"acceptmoderatorinvite": true,
	"removemoderator":       true,
	"addcontributor":        true,
	"removecontributor":     true,
}

// ModlogPoller scans the moderator log hourly and publishes the
// relevant actions under modlog.<action>. The newest action timestamp
// persists in the shared cache so a restart resumes where it left off
// instead of replaying the visible log.
type ModlogPoller struct {
	deps Deps
}

// NewModlogPoller wires the modlog poller.
func NewModlogPoller(deps Deps) *ModlogPoller {
	return &ModlogPoller{deps: deps}
}

// Run polls hourly until cancelled.
func (w *ModlogPoller) Run(ctx context.Context) error {
	return runEvery(ctx, modlogPollInterval, w.deps.log(), "modlog", w.poll)
}

func (w *ModlogPoller) poll(ctx context.Context) error {
	lastSeen := 0.0
	if raw, found, err := w.deps.Cache.Get(cache.ModlogLastActionAtKey); err != nil {
		return err
	} else if found {
		if parsed, err := strconv.ParseFloat(string(raw), 64); err == nil {
			lastSeen = parsed
		}
	}

	var page struct {
		Actions []bus.ModlogEvent `json:"actions"`
	}
	err := w.deps.Proxy.SendInto(ctx, "modlog", map[string]any{
		"subreddit": w.deps.Config.Subreddits,
		"after":     lastSeen,
	}, &page)
	if errors.Is(err, proxy.ErrNotCopy) {
		return nil
	}
	if err != nil {
		return err
	}

	newest := lastSeen
	published := 0
	for _, action := range page.Actions {
		if action.CreatedUTC <= lastSeen {
			continue
		}
		if action.CreatedUTC > newest {
			newest = action.CreatedUTC
		}
		if !producerActions[action.Action] {
			continue
		}
		err := w.deps.Publisher.Publish(ctx, bus.TopicModlogPrefix+action.Action, action)
		if err != nil {
			return err
		}
		published++
	}

	if newest > lastSeen {
		err := w.deps.Cache.Set(cache.ModlogLastActionAtKey,
			[]byte(strconv.FormatFloat(newest, 'f', -1, 64)), 0)
		if err != nil {
			return err
		}
	}
	if published > 0 {
		w.deps.log().Info("published modlog actions", "count", published)
	}
	return nil
}
