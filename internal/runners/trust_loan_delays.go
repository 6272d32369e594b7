package runners

import (
	"context"
	"fmt"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/website"
)

// TrustLoanDelaysHandler re-queues a lender for vetting once they
// complete the number of loans their delay row asked for. The queue
// entry honors the delay's earliest-review time.
func TrustLoanDelaysHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanPaidEvent](body)
		if err != nil {
			return err
		}
		lender := ev.Lender

		delay, err := d.Trusts.GetLoanDelay(ctx, lender.ID)
		if err != nil {
			return err
		}
		if delay == nil {
			return nil
		}

		completed, err := d.Ledger.Store().CountCompletedAsLender(ctx, lender.ID)
		if err != nil {
			return err
		}
		if completed < delay.LoansCompletedAsLender {
			return nil
		}

		botID, err := d.Website.Store().FindOrCreateUser(ctx, website.BotUsername)
		if err != nil {
			return err
		}
		note := fmt.Sprintf(
			"/u/%s has reached %d/%d of the loans completed as lender for "+
				"review and has been added back to the trust queue.",
			lender.Username, completed, delay.LoansCompletedAsLender)
		if err := d.Trusts.InsertComment(ctx, botID, lender.ID, note); err != nil {
			return err
		}
		if err := d.Trusts.DeleteLoanDelay(ctx, lender.ID); err != nil {
			return err
		}

		reviewAt := d.now()
		if delay.MinReviewAt.After(reviewAt) {
			reviewAt = delay.MinReviewAt
		}
		if err := d.Trusts.EnqueueReview(ctx, lender.ID, reviewAt); err != nil {
			return err
		}

		d.log().Info("lender reached delayed-review loan count",
			"lender", lender.Username, "completed", completed,
			"required", delay.LoansCompletedAsLender)
		return nil
	}
}
