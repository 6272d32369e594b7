package summons

import (
	"context"

	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/parsing"
	"github.com/LoansBot/loansbot/internal/responses"
)

// CheckSummon posts a user's loan history, either in full or as the
// six-bucket summary when they have too many loans for a table.
type CheckSummon struct {
	deps   Deps
	parser *parsing.Parser
}

// NewCheckSummon builds the $check handler.
func NewCheckSummon(deps Deps) *CheckSummon {
	return &CheckSummon{
		deps: deps,
		parser: parsing.NewParser(
			[]string{"$check"},
			parsing.Required(parsing.NewUserToken()),
		),
	}
}

func (s *CheckSummon) Name() string { return "check" }

func (s *CheckSummon) MightApply(body string) bool {
	return s.parser.Parse(body) != nil
}

func (s *CheckSummon) Handle(ctx context.Context, comment Comment) (string, error) {
	vals := s.parser.Parse(comment.Body)
	target := vals[0].(string)

	report, err := ledger.GetAndFormatAllOrSummary(ctx, s.deps.Ledger.Store(), target)
	if err != nil {
		return "", err
	}

	return responses.Get(ctx, s.deps.Responses, "check", map[string]string{
		"requester_username": comment.Author,
		"target_username":    target,
		"report":             report,
	})
}
