package summons

import (
	"context"
	"strconv"

	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// LoanSummon records a new loan from the comment's author (the lender)
// to the thread's author (the borrower).
type LoanSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewLoanSummon builds the $loan handler.
func NewLoanSummon(deps Deps) *LoanSummon {
	return &LoanSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$loan"},
			parsing.Required(parsing.NewMoneyToken()),
			parsing.Optional(parsing.NewAsCurrencyToken()),
		),
	}
}

func (s *LoanSummon) Name() string { return "loan" }

func (s *LoanSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *LoanSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	amount := vals[0].(money.Money)
	storeCurrency := ""
	if vals[1] != nil {
		storeCurrency = vals[1].(string)
	}

	loan, err := s.deps.Ledger.CreateLoan(ctx, ledger.CreateLoanInput{
		Lender:          comment.Author,
		Borrower:        comment.LinkAuthor,
		Amount:          amount,
		StoreCurrency:   storeCurrency,
		ParentFullname:  comment.LinkFullname,
		CommentFullname: comment.Fullname,
	})
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"lender_username":   comment.Author,
		"borrower_username": comment.LinkAuthor,
		"loan_id":           strconv.FormatInt(loan.ID, 10),
	}
	moneyParams(params, "amount", amount)
	moneyParams(params, "principal", loan.Principal)
	return responses.Get(ctx, s.deps.Responses, "loan", params)
}
