package summons

import (
	"context"
	"strconv"

	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// PaidSummon applies a repayment from a borrower toward the commenting
// lender's loans, oldest first, rolling any excess over to the next
// open loan. The reply shows the touched loans before and after.
type PaidSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewPaidSummon builds the $paid handler.
func NewPaidSummon(deps Deps) *PaidSummon {
	return &PaidSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$paid"},
			parsing.Required(parsing.NewUserToken()),
			parsing.Required(parsing.NewMoneyToken()),
		),
	}
}

func (s *PaidSummon) Name() string { return "paid" }

func (s *PaidSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *PaidSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	borrower := vals[0].(string)
	amount := vals[1].(money.Money)
	lender := comment.Author

	params := map[string]string{
		"lender_username":   lender,
		"borrower_username": borrower,
	}
	moneyParams(params, "amount", amount)

	outcome, err := s.deps.Ledger.Paid(ctx, lender, borrower, amount)
	if isNoLoanErr(err) {
		return responses.Get(ctx, s.deps.Responses, "paid_no_open_loans", params)
	}
	if err != nil {
		return "", err
	}

	params["loan_count"] = strconv.Itoa(len(outcome.Before))
	params["before_table"] = ledger.FormatLoanTable(outcome.Before, true)
	params["after_table"] = ledger.FormatLoanTable(outcome.After, true)
	moneyParams(params, "remaining", outcome.Remaining)

	name := "paid"
	if outcome.Remaining.Minor > 0 {
		name = "paid_with_excess"
	}
	return responses.Get(ctx, s.deps.Responses, name, params)
}
