package summons

import (
	"context"
	"strconv"

	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// UnpaidSummon marks every open loan from the commenting lender to the
// named borrower delinquent.
type UnpaidSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewUnpaidSummon builds the $unpaid handler.
func NewUnpaidSummon(deps Deps) *UnpaidSummon {
	return &UnpaidSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$unpaid"},
			parsing.Required(parsing.NewUserToken()),
		),
	}
}

func (s *UnpaidSummon) Name() string { return "unpaid" }

func (s *UnpaidSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *UnpaidSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	borrower := vals[0].(string)
	lender := comment.Author

	params := map[string]string{
		"lender_username":   lender,
		"borrower_username": borrower,
	}

	count, err := s.deps.Ledger.MarkUnpaid(ctx, lender, borrower)
	if isNoLoanErr(err) {
		count = 0
	} else if err != nil {
		return "", err
	}

	params["loan_count"] = strconv.Itoa(count)
	if count == 0 {
		return responses.Get(ctx, s.deps.Responses, "unpaid_no_loans", params)
	}
	return responses.Get(ctx, s.deps.Responses, "unpaid", params)
}
