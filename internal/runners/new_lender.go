package runners

import (
	"context"
	"fmt"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/responses"
)

// NewLenderHandler alerts the moderators the first time an account
// lends money, so they can watch the newcomer.
func NewLenderHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanCreateEvent](body)
		if err != nil {
			return err
		}

		previous, err := d.Ledger.Store().CountAsLenderBefore(ctx, ev.Lender.ID, ev.LoanID)
		if err != nil {
			return err
		}
		if previous > 0 {
			return nil
		}

		formatted, err := responses.Get(ctx, d.Responses, "new_lender", map[string]string{
			"lender_username":   ev.Lender.Username,
			"borrower_username": ev.Borrower.Username,
			"amount":            ev.Amount.Display(),
			"permalink":         ev.Permalink,
		})
		if err != nil {
			return err
		}

		d.log().Info("first loan as lender, messaging mods",
			"lender", ev.Lender.Username)
		subject := fmt.Sprintf("New Lender: /u/%s", ev.Lender.Username)
		return d.compose(ctx, d.modmailRecipient(), subject, formatted)
	}
}
