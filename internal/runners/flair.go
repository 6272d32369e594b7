package runners

import (
	"context"
	"errors"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/proxy"
)

// completedFlairCSSClass marks request threads that produced a loan.
const completedFlairCSSClass = "991c8042-3ecc-11e4-8052-12313d05258a"

// FlairLoanThreadsHandler flairs the thread a loan was granted in, so
// browsing lenders can skip requests that were already funded.
func FlairLoanThreadsHandler(d Deps) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := bus.Decode[bus.LoanCreateEvent](body)
		if err != nil {
			return err
		}
		if ev.Comment.LinkFullname == "" {
			return nil
		}

		_, err = d.Proxy.Send(ctx, "flair_link", map[string]any{
			"subreddit":     d.Config.PrimarySubreddit(),
			"link_fullname": ev.Comment.LinkFullname,
			"css_class":     completedFlairCSSClass,
		})
		if errors.Is(err, proxy.ErrNotCopy) {
			d.log().Info("flair request declined, thread likely removed",
				"link_fullname", ev.Comment.LinkFullname)
			return nil
		}
		if err != nil {
			return err
		}
		d.log().Debug("flaired completed request thread",
			"link_fullname", ev.Comment.LinkFullname, "loan_id", ev.LoanID)
		return nil
	}
}
