package runners

import (
	"context"
	"errors"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/proxy"
)

// UnbanRepaidHandler lifts the ban on a borrower who has cleared the
// last of their delinquent loans.
func UnbanRepaidHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanPaidEvent](body)
		if err != nil {
			return err
		}
		if !ev.WasUnpaid {
			return nil
		}
		borrower := ev.Borrower.Username

		info, err := d.Perms.FetchInfo(ctx, borrower)
		if err != nil {
			return err
		}
		if info == nil || !info.Banned {
			return nil
		}

		stillUnpaid, err := d.Ledger.Store().CountUnpaidAsBorrower(ctx, ev.Borrower.ID)
		if err != nil {
			return err
		}
		if stillUnpaid > 0 {
			d.log().Debug("not unbanning, borrower still has unpaid loans",
				"borrower", borrower, "unpaid", stillUnpaid)
			return nil
		}

		_, err = d.Proxy.Send(ctx, "unban_user", map[string]any{
			"subreddit": d.Config.PrimarySubreddit(),
			"username":  borrower,
		})
		if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
			return err
		}

		d.log().Info("unbanned borrower, all unpaid loans repaid", "borrower", borrower)
		return d.Perms.FlushCache(borrower)
	}
}
