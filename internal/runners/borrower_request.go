package runners

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/responses"
)

// BorrowerRequestHandler tells each lender with an open loan to the
// requesting borrower that the borrower is asking for more money.
// Lenders can opt out of these messages on the website.
func BorrowerRequestHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanRequestEvent](body)
		if err != nil {
			return err
		}
		author := ev.Post.Author

		store := d.Ledger.Store()
		borrowerID, err := store.FindUser(ctx, author)
		if errors.Is(err, ledger.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		open, err := store.OpenLoansForBorrower(ctx, borrowerID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		byLender := map[int64][]ledger.Loan{}
		for _, loan := range open {
			byLender[loan.LenderID] = append(byLender[loan.LenderID], loan)
		}
		d.log().Info("borrower with open loans made a request",
			"borrower", author, "open_loans", len(open), "lenders", len(byLender))

		thread := fmt.Sprintf("https://reddit.com/r/%s/comments/%s/redditloans",
			ev.Post.Subreddit, strings.TrimPrefix(ev.Post.Fullname, "t3_"))

		for lenderID, loans := range byLender {
			settings, err := d.Website.Store().UserSettings(ctx, lenderID)
			if err != nil {
				return err
			}
			if settings.BorrowerReqPMOptOut {
				continue
			}

			lender := loans[0].Lender
			formatted, err := responses.Get(ctx, d.Responses, "borrower_request", map[string]string{
				"lender_username":   lender,
				"borrower_username": author,
				"thread":            thread,
				"loans":             ledger.FormatLoanTable(loans, true),
			})
			if err != nil {
				return err
			}

			subject := fmt.Sprintf("/u/%s has made a request thread", author)
			if err := d.compose(ctx, lender, subject, formatted); err != nil {
				return err
			}
		}
		return nil
	}
}
