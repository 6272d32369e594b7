package runners

import (
	"context"
	"strings"

	"github.com/LoansBot/loansbot/internal/bus"
)

// ModChangesHandler keeps the local moderator roster in sync with the
// modlog and announces the changes on the bus. Membership is re-tested
// before every write: modlog events can arrive more than once and out
// of order with the weekly sync.
func ModChangesHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.ModlogEvent](body)
		if err != nil {
			return err
		}

		switch ev.Action {
		case "acceptmoderatorinvite":
			return d.addModerator(ctx, ev.Mod)
		case "removemoderator":
			return d.removeModerator(ctx, ev.TargetUser)
		}
		return nil
	}
}

func (d Deps) addModerator(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	username = strings.ToLower(username)

	site := d.Website.Store()
	userID, err := site.FindOrCreateUser(ctx, username)
	if err != nil {
		return err
	}
	isMod, err := site.IsModerator(ctx, userID)
	if err != nil {
		return err
	}
	if isMod {
		return nil
	}
	if err := site.AddModerator(ctx, userID); err != nil {
		return err
	}

	d.log().Info("user accepted a moderator invite", "username", username)
	return d.Publisher.Publish(ctx, bus.TopicModsAdded, bus.ModsChangedEvent{
		Username: username,
		UserID:   userID,
	})
}

func (d Deps) removeModerator(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	username = strings.ToLower(username)

	site := d.Website.Store()
	userID, err := site.FindOrCreateUser(ctx, username)
	if err != nil {
		return err
	}
	isMod, err := site.IsModerator(ctx, userID)
	if err != nil {
		return err
	}
	if !isMod {
		return nil
	}
	if err := site.RemoveModerator(ctx, userID); err != nil {
		return err
	}

	d.log().Info("user is no longer a moderator", "username", username)
	return d.Publisher.Publish(ctx, bus.TopicModsRemoved, bus.ModsChangedEvent{
		Username: username,
		UserID:   userID,
	})
}
