package summons

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// PaidWithIDSummon applies a repayment to one specific loan by id. The
// loan must belong to the commenting lender and still be open; when it
// does not, the reply lists the lender's open loans so they can find
// the id they meant.
type PaidWithIDSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewPaidWithIDSummon builds the $paid_with_id handler. The escaped
// alias covers comments written in editors that backslash-escape
// underscores.
func NewPaidWithIDSummon(deps Deps) *PaidWithIDSummon {
	return &PaidWithIDSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$paid_with_id", `$paid\_with\_id`},
			parsing.Required(parsing.NewUintToken()),
			parsing.Required(parsing.NewMoneyToken()),
		),
	}
}

func (s *PaidWithIDSummon) Name() string { return "paid_with_id" }

func (s *PaidWithIDSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *PaidWithIDSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	loanID := vals[0].(int64)
	amount := vals[1].(money.Money)
	lender := comment.Author

	store := s.deps.Ledger.Store()
	loan, err := store.GetLoan(ctx, loanID)
	if errors.Is(err, ledger.ErrLoanNotFound) {
		return s.notFoundReply(ctx, lender, loanID, amount)
	}
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(loan.Lender, lender) || !loan.Open() {
		return s.notFoundReply(ctx, lender, loanID, amount)
	}

	_, applied, remaining, err := s.deps.Ledger.ApplyRepayment(ctx, loanID, amount)
	if errors.Is(err, ledger.ErrLoanRepaid) {
		return s.notFoundReply(ctx, lender, loanID, amount)
	}
	if err != nil {
		return "", err
	}

	after, err := store.GetLoan(ctx, loanID)
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"lender_username":   lender,
		"borrower_username": after.Borrower,
		"loan_id":           strconv.FormatInt(loanID, 10),
		"loan_table":        ledger.FormatLoanTable([]ledger.Loan{*after}, true),
	}
	moneyParams(params, "amount", amount)
	moneyParams(params, "applied", applied)
	moneyParams(params, "remaining", remaining)
	return responses.Get(ctx, s.deps.Responses, "paid_with_id", params)
}

// notFoundReply lists the lender's open loans so a mistyped id is easy
// to correct.
func (s *PaidWithIDSummon) notFoundReply(ctx context.Context, lender string, loanID int64, amount money.Money) (string, error) {
	store := s.deps.Ledger.Store()

	var open []ledger.Loan
	lenderID, err := store.FindUser(ctx, lender)
	if err == nil {
		open, err = store.OpenLoansForLender(ctx, lenderID)
		if err != nil {
			return "", err
		}
	} else if !errors.Is(err, ledger.ErrUserNotFound) {
		return "", err
	}

	openTable := ""
	if len(open) > 0 {
		openTable = ledger.FormatLoanTable(open, true)
	}

	params := map[string]string{
		"lender_username": lender,
		"loan_id":         strconv.FormatInt(loanID, 10),
		"open_loan_count": strconv.Itoa(len(open)),
		"open_loans":      openTable,
	}
	moneyParams(params, "amount", amount)
	return responses.Get(ctx, s.deps.Responses, "paid_with_id_not_found", params)
}
