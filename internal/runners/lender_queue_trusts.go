package runners

import (
	"context"
	"errors"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/trusts"
)

// LenderQueueTrustsHandler notices lenders crossing the vetting
// threshold who have never been vetted: they get an explicit unknown
// trust row, a spot in the review queue, and the mods get a heads-up.
func LenderQueueTrustsHandler(d Deps) bus.Handler {
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
		if trust != nil {
			return nil
		}

		completed, err := d.Ledger.Store().CountCompletedAsLender(ctx, lender.ID)
		if err != nil {
			return err
		}
		if completed < trusts.VettingThreshold {
			return nil
		}

		err = d.Trusts.CreateTrust(ctx, lender.ID, trusts.StatusUnknown, "Vetting required")
		if errors.Is(err, trusts.ErrTrustExists) {
			// Raced another worker; the other one queued them.
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.Trusts.EnqueueReview(ctx, lender.ID, d.now()); err != nil {
			return err
		}

		d.log().Info("lender crossed vetting threshold",
			"lender", lender.Username, "completed", completed)
		return d.sendLetter(ctx, d.modmailRecipient(), 0, "queue_trust_pm",
			map[string]string{"username": lender.Username})
	}
}
