package runners

import (
	"context"
	"time"

	"github.com/LoansBot/loansbot/internal/bus"
)

// ModOnboardingHandler reacts to a user joining the mod team: claimed
// accounts get the full permission set and a greeting, unclaimed ones
// an invitation to claim their account first.
func ModOnboardingHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.ModsChangedEvent](body)
		if err != nil {
			return err
		}

		granted, err := d.Website.GrantModPermissions(ctx, ev.UserID)
		if err != nil {
			return err
		}

		params := map[string]string{"username": ev.Username}
		if !granted {
			d.log().Info("new moderator has not claimed their account",
				"username", ev.Username)
			return d.sendLetter(ctx, ev.Username, ev.UserID, "mod_onboarding_unclaimed", params)
		}

		d.log().Info("granted new moderator the full permission set",
			"username", ev.Username)
		return d.sendLetter(ctx, ev.Username, ev.UserID, "mod_onboarding_greeting", params)
	}
}

// claimSettleDelay gives the website's claim transaction time to
// finish before we look for the new human authentication.
const claimSettleDelay = 3 * time.Second

// ModOnboardingClaimHandler covers the other ordering: the user was
// already a moderator when they claimed their account.
func ModOnboardingClaimHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.UserSignupEvent](body)
		if err != nil {
			return err
		}

		isMod, err := d.Website.Store().IsModerator(ctx, ev.UserID)
		if err != nil {
			return err
		}
		if !isMod {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(claimSettleDelay):
		}

		granted, err := d.Website.GrantModPermissions(ctx, ev.UserID)
		if err != nil {
			return err
		}
		if !granted {
			d.log().Warn("moderator claimed account but no human auth appeared",
				"user_id", ev.UserID)
			return nil
		}

		username, err := d.usernameFor(ctx, ev.UserID)
		if err != nil {
			return err
		}
		if username == "" {
			return nil
		}
		d.log().Info("granted mod permissions on account claim",
			"username", username)
		return d.sendLetter(ctx, username, ev.UserID, "mod_onboarding_claim_greeting",
			map[string]string{"username": username})
	}
}

// ModOffboardingHandler strips a departing moderator back to the
// default permissions, logs them out everywhere, and says goodbye.
func ModOffboardingHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.ModsChangedEvent](body)
		if err != nil {
			return err
		}

		if err := d.Website.RevokeModPermissions(ctx, ev.UserID); err != nil {
			return err
		}
		return d.sendLetter(ctx, ev.Username, ev.UserID, "mod_offboarding_farewell",
			map[string]string{"username": ev.Username})
	}
}

// usernameFor resolves a user id to a handle via the moderator roster.
func (d Deps) usernameFor(ctx context.Context, userID int64) (string, error) {
	mods, err := d.Website.Store().ListModerators(ctx)
	if err != nil {
		return "", err
	}
	for _, mod := range mods {
		if mod.UserID == userID {
			return mod.Username, nil
		}
	}
	return "", nil
}
