// Package summons implements the comment commands: $check, $confirm,
// $loan, $paid_with_id, $paid, $ping, and $unpaid.
//
// Each summon owns a parser for its anchor and operand grammar. A
// summon might apply to a comment exactly when its parser matches the
// body; the first matching summon in registration order handles the
// comment and everything after it is skipped. Handlers return the
// reply text, rendered from the moderator-editable response templates;
// posting the reply is the scanner's job.
package summons

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/responses"
)

// Comment is the slice of the forum proxy's comment payload the
// summons read.
type Comment struct {
	Fullname     string  `json:"fullname"`
	Body         string  `json:"body"`
	Author       string  `json:"author"`
	Subreddit    string  `json:"subreddit"`
	LinkFullname string  `json:"link_fullname"`
	LinkAuthor   string  `json:"link_author"`
	CreatedUTC   float64 `json:"created_utc"`
}

// Summon is one comment command.
type Summon interface {
	// Name identifies the summon in logs.
	Name() string
	// MightApply reports whether the command's grammar matches the
	// body. It must be fast and side-effect free; every comment is
	// checked against every summon.
	MightApply(body string) bool
	// Handle performs the command's effects and returns the reply to
	// post under the comment.
	Handle(ctx context.Context, comment Comment) (string, error)
}

// Deps are the shared services the summons act through.
type Deps struct {
	Ledger    *ledger.Service
	Responses responses.Store
	Logger    *slog.Logger
}

// All returns every summon in registration order. Order matters:
// the first summon whose grammar matches handles the comment.
func All(deps Deps) []Summon {
	return []Summon{
		NewCheckSummon(deps),
		NewConfirmSummon(deps),
		NewLoanSummon(deps),
		NewPaidWithIDSummon(deps),
		NewPaidSummon(deps),
		NewPingSummon(),
		NewUnpaidSummon(deps),
	}
}

// Outcome is what handling a comment produced.
type Outcome struct {
	Summon string
	Reply  string
}

// Dispatcher routes a comment to the first summon that applies.
type Dispatcher struct {
	summons []Summon
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher over the given summons.
func NewDispatcher(summons []Summon, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{summons: summons, logger: logger}
}

// Dispatch finds the first summon that applies to the comment and runs
// it. It returns nil when no summon matched. A handler error is
// returned alongside the summon's name so the scanner can record which
// command failed.
func (d *Dispatcher) Dispatch(ctx context.Context, comment Comment) (*Outcome, error) {
	for _, summon := range d.summons {
		if !summon.MightApply(comment.Body) {
			continue
		}
		d.logger.Debug("handling summon",
			"summon", summon.Name(), "fullname", comment.Fullname,
			"author", comment.Author)
		reply, err := summon.Handle(ctx, comment)
		if err != nil {
			return &Outcome{Summon: summon.Name()}, err
		}
		return &Outcome{Summon: summon.Name(), Reply: reply}, nil
	}
	return nil, nil
}

// moneyParams renders an amount under both the display form users see
// and the explicit minor-unit form, keyed with the given prefix.
func moneyParams(params map[string]string, prefix string, m money.Money) {
	params[prefix] = m.Display()
	params[prefix+"_explicit"] = m.String()
}

// isNoLoanErr reports whether the ledger declined because there was
// nothing to act on, as opposed to failing.
func isNoLoanErr(err error) bool {
	return errors.Is(err, ledger.ErrUserNotFound) ||
		errors.Is(err, ledger.ErrNoOpenLoans)
}
