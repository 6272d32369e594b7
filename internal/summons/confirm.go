package summons

import (
	"context"
	"strconv"

	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// ConfirmSummon lets a borrower acknowledge receiving funds. It is
// optional and exists to protect the lender from a later claim that no
// money changed hands.
type ConfirmSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewConfirmSummon builds the $confirm handler.
func NewConfirmSummon(deps Deps) *ConfirmSummon {
	return &ConfirmSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$confirm"},
			parsing.Required(parsing.NewUserToken()),
			parsing.Required(parsing.NewMoneyToken()),
		),
	}
}

func (s *ConfirmSummon) Name() string { return "confirm" }

func (s *ConfirmSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *ConfirmSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	lender := vals[0].(string)
	amount := vals[1].(money.Money)
	borrower := comment.Author

	match, usdAmount, err := s.deps.Ledger.Confirm(ctx, lender, borrower, amount)
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"borrower_username": borrower,
		"lender_username":   lender,
	}
	moneyParams(params, "amount", amount)
	moneyParams(params, "usd_amount", usdAmount)

	if match == nil {
		return responses.Get(ctx, s.deps.Responses, "confirm_no_loan", params)
	}

	params["loan_id"] = strconv.FormatInt(match.LoanID, 10)
	params["loan_permalink"] = match.Permalink
	return responses.Get(ctx, s.deps.Responses, "confirm", params)
}
