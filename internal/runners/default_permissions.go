package runners

import (
	"context"

	"github.com/LoansBot/loansbot/internal/bus"
)

// DefaultPermissionsHandler grants the configured starter permissions
// to a freshly claimed account's human authentication.
func DefaultPermissionsHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.UserSignupEvent](body)
		if err != nil {
			return err
		}

		granted, err := d.Website.GrantDefaultPermissions(ctx, ev.UserID)
		if err != nil {
			return err
		}
		if granted {
			d.log().Info("granted signup permissions", "user_id", ev.UserID)
		}
		return nil
	}
}
