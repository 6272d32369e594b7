package runners

import (
	"context"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/trusts"
	"github.com/LoansBot/loansbot/internal/website"
)

// RecheckPermission is the website capability this worker hands out.
const RecheckPermission = "recheck"

// recheckMinimumCompletedLoans is how many completed loans as lender
// earn the recheck permission.
const recheckMinimumCompletedLoans = 5

// RecheckPermissionHandler grants established lenders the website
// permission to have the bot revisit a comment. Lenders with a bad
// trust status or no claimed account never qualify.
func RecheckPermissionHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanPaidEvent](body)
		if err != nil {
			return err
		}
		lender := ev.Lender

		trust, err := d.Trusts.GetTrust(ctx, lender.ID)
		if err != nil {
			return err
		}
		if trust != nil && trust.Status == trusts.StatusBad {
			return nil
		}

		site := d.Website.Store()
		authID, claimed, err := site.HumanAuth(ctx, lender.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		held, err := site.PermissionNamesOnAuth(ctx, authID)
		if err != nil {
			return err
		}
		for _, name := range held {
			if name == RecheckPermission {
				return nil
			}
		}

		completed, err := d.Ledger.Store().CountCompletedAsLender(ctx, lender.ID)
		if err != nil {
			return err
		}
		if completed < recheckMinimumCompletedLoans {
			return nil
		}

		permID, err := site.EnsurePermission(ctx, RecheckPermission,
			"Ability to have the LoansBot revisit a comment")
		if err != nil {
			return err
		}
		botID, err := site.FindOrCreateUser(ctx, website.BotUsername)
		if err != nil {
			return err
		}
		err = site.GrantPermission(ctx, authID, permID, botID,
			"Completed enough loans as lender")
		if err != nil {
			return err
		}

		d.log().Info("granted recheck permission",
			"lender", lender.Username, "completed", completed)
		return d.sendLetter(ctx, lender.Username, lender.ID, "user_granted_recheck_pm",
			map[string]string{"username": lender.Username})
	}
}
