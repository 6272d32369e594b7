package runners

import (
	"context"
	"errors"
	"strconv"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
)

// LenderLoanHandler watches for lenders taking loans themselves. The
// mods get an alert, and if the borrower sits on the lenders
// subreddit's approved-submitter list they lose that spot; moderators
// are exempt.
func LenderLoanHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanCreateEvent](body)
		if err != nil {
			return err
		}
		borrower := ev.Borrower.Username

		asLender, err := d.Ledger.Store().CountAsLender(ctx, ev.Borrower.ID)
		if err != nil {
			return err
		}
		if asLender == 0 {
			return nil
		}

		report, err := ledger.GetAndFormatAllOrSummary(ctx, d.Ledger.Store(), borrower)
		if err != nil {
			return err
		}
		params := map[string]string{
			"lender_username":   ev.Lender.Username,
			"borrower_username": borrower,
			"loan_id":           strconv.FormatInt(ev.LoanID, 10),
			"loans_table":       report,
		}

		info, err := d.Perms.FetchInfo(ctx, borrower)
		if err != nil {
			return err
		}
		if info == nil {
			return nil
		}
		if info.Moderator {
			d.log().Debug("lender-gone-borrower is a moderator, skipping",
				"borrower", borrower)
			return nil
		}

		letter := "lender_received_loan_modmail_pm"
		if info.Approved {
			letter = "approved_lender_received_loan_modmail_pm"
		}
		subject, err := responses.Get(ctx, d.Responses, letter+"_title", params)
		if err != nil {
			return err
		}
		pmBody, err := responses.Get(ctx, d.Responses, letter+"_body", params)
		if err != nil {
			return err
		}
		if err := d.compose(ctx, d.modmailRecipient(), subject, pmBody); err != nil {
			return err
		}
		if info.Approved {
			// Approved submitters only get the alert.
			return nil
		}

		return d.removeFromLendersCamp(ctx, borrower)
	}
}

// removeFromLendersCamp drops the borrower from the lenders
// subreddit's approved-submitter list, unless they moderate it.
func (d Deps) removeFromLendersCamp(ctx context.Context, username string) error {
	sub := d.Config.LendersSubreddit

	var approved struct {
		Approved bool `json:"approved"`
	}
	err := d.Proxy.SendInto(ctx, "user_is_approved",
		map[string]any{"subreddit": sub, "username": username}, &approved)
	if errors.Is(err, proxy.ErrNotCopy) {
		return nil
	}
	if err != nil {
		return err
	}

	var moderator struct {
		Moderator bool `json:"moderator"`
	}
	err = d.Proxy.SendInto(ctx, "user_is_moderator",
		map[string]any{"subreddit": sub, "username": username}, &moderator)
	if errors.Is(err, proxy.ErrNotCopy) {
		return nil
	}
	if err != nil {
		return err
	}

	if moderator.Moderator {
		d.log().Debug("not removing contributor, they moderate the subreddit",
			"username", username, "subreddit", sub)
		return nil
	}
	if !approved.Approved {
		return nil
	}

	_, err = d.Proxy.Send(ctx, "disapprove_user",
		map[string]any{"subreddit": sub, "username": username})
	if errors.Is(err, proxy.ErrNotCopy) {
		return nil
	}
	if err != nil {
		return err
	}
	d.log().Info("removed lender-gone-borrower from approved submitters",
		"username", username, "subreddit", sub)
	return nil
}
