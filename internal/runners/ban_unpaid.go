package runners

import (
	"context"
	"errors"
	"fmt"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
)

// BanUnpaidHandler bans a borrower who defaulted on a loan. Deleted
// accounts and already-banned users are left alone; moderators are
// never banned; approved submitters only trigger a modmail so the
// mods remember to revisit the approval.
func BanUnpaidHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanUnpaidEvent](body)
		if err != nil {
			return err
		}

		borrower, lender, err := d.Ledger.Store().UnpaidEventUsernames(ctx, ev.LoanUnpaidEventID)
		if errors.Is(err, ledger.ErrLoanNotFound) {
			d.log().Warn("unpaid event did not resolve to a loan",
				"event_id", ev.LoanUnpaidEventID)
			return nil
		}
		if err != nil {
			return err
		}

		info, err := d.Perms.FetchInfo(ctx, borrower)
		if err != nil {
			return err
		}
		log := d.log()
		switch {
		case info == nil:
			log.Info("defaulting borrower deleted their account", "borrower", borrower)
			return nil
		case info.Banned:
			log.Debug("defaulting borrower is already banned", "borrower", borrower)
			return nil
		case info.Moderator:
			log.Info("defaulting borrower is a moderator, not banning", "borrower", borrower)
			return nil
		case info.Approved:
			log.Info("defaulting borrower is an approved submitter, alerting mods only",
				"borrower", borrower)
			return d.compose(ctx, d.modmailRecipient(),
				"Approved Submitter Unpaid Loan",
				fmt.Sprintf("/u/%s defaulted on a loan but did not get banned "+
					"since they are an approved submitter.", borrower))
		}

		params := map[string]string{
			"borrower_username": borrower,
			"lender_username":   lender,
		}
		message, err := responses.Get(ctx, d.Responses, "unpaid_ban_message", params)
		if err != nil {
			return err
		}
		note, err := responses.Get(ctx, d.Responses, "unpaid_ban_note", params)
		if err != nil {
			return err
		}

		_, err = d.Proxy.Send(ctx, "ban_user", map[string]any{
			"subreddit": d.Config.PrimarySubreddit(),
			"username":  borrower,
			"message":   message,
			"note":      note,
		})
		if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
			return err
		}

		log.Info("banned borrower for defaulting",
			"borrower", borrower, "lender", lender,
			"subreddit", d.Config.PrimarySubreddit())
		return d.Perms.FlushCache(borrower)
	}
}
