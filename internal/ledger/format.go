package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/LoansBot/loansbot/internal/money"
)

const prettyDate = "Jan 02, 2006"

// ShownLoansPerTable caps how many loans a summary block expands into a
// table. Larger tables read badly on mobile clients and risk the
// comment length limit.
const ShownLoansPerTable = 7

// SummaryThreshold is the loan count at which replies switch from a
// full table to the six-block summary.
const SummaryThreshold = 5

// FormatLoanTable renders loans as a markdown table. includeID adds a
// trailing id column, used where a follow-up command takes a loan id.
func FormatLoanTable(loans []Loan, includeID bool) string {
	var b strings.Builder
	b.WriteString("Lender|Borrower|Amount Given|Amount Repaid|Unpaid?|Original Thread|Date Given|Date Paid Back")
	if includeID {
		b.WriteString("|id")
	}
	b.WriteString("\n:--|:--|:--|:--|:--|:--|:--|:--")
	if includeID {
		b.WriteString("|:--")
	}
	for i := range loans {
		loan := &loans[i]
		unpaid := ""
		if loan.UnpaidAt != nil {
			unpaid = "***UNPAID***"
		}
		repaidAt := ""
		if loan.RepaidAt != nil {
			repaidAt = loan.RepaidAt.Format(prettyDate)
		}
		b.WriteString(fmt.Sprintf("\n%s|%s|%s|%s|%s|%s|%s|%s",
			loan.Lender, loan.Borrower,
			loan.Principal.Display(), loan.PrincipalRepaid.Display(),
			unpaid, loan.Permalink,
			loan.CreatedAt.Format(prettyDate), repaidAt,
		))
		if includeID {
			b.WriteString(fmt.Sprintf("|%d", loan.ID))
		}
	}
	return b.String()
}

type summaryBlock struct {
	key        string
	emptyFmt   string
	tableTitle string
	adjective  string
}

var summaryBlocks = []summaryBlock{
	{
		PaidAsBorrower,
		"/u/%s has not taken and completely paid back any loans.",
		"Loans paid back with /u/%s as borrower",
		"paid as a borrower",
	},
	{
		PaidAsLender,
		"/u/%s has not given out and had completely paid back any loans.",
		"Loans paid back with /u/%s as lender",
		"paid as a lender",
	},
	{
		UnpaidAsBorrower,
		"/u/%s has not received any loans which are currently marked unpaid",
		"Loans unpaid with /u/%s as borrower",
		"unpaid as a borrower",
	},
	{
		UnpaidAsLender,
		"/u/%s has not given any loans which are currently marked unpaid",
		"Loans unpaid with /u/%s as lender",
		"unpaid as a lender",
	},
	{
		InProgressAsBorrower,
		"/u/%s does not have any outstanding loans as a borrower",
		"In-progress loans with /u/%s as borrower",
		"inprogress as a borrower",
	},
	{
		InProgressAsLender,
		"/u/%s does not have any outstanding loans as a lender",
		"In-progress loans with /u/%s as lender",
		"inprogress as a lender",
	},
}

func plural(n int64) string {
	if n != 1 {
		return "s"
	}
	return ""
}

// FormatLoanSummary renders the six-block category breakdown. The paid
// blocks collapse to one-line totals; the other blocks expand recent
// loans into tables when any were fetched.
func FormatLoanSummary(s *Summary) string {
	var parts []string
	for _, block := range summaryBlocks {
		bucket := s.Buckets[block.key]
		total := money.Money{
			Minor: bucket.TotalUSDMinor, Currency: "USD",
			Exp: 2, Symbol: "$", SymbolOnLeft: true,
		}
		switch {
		case bucket.Count == 0:
			parts = append(parts, fmt.Sprintf(block.emptyFmt, s.Username))
		case len(bucket.Shown) > 0:
			extra := ""
			if missing := bucket.Count - int64(len(bucket.Shown)); missing > 0 {
				extra = fmt.Sprintf(" (**%d loan%s omitted from the table**)",
					missing, plural(missing))
			}
			parts = append(parts, fmt.Sprintf("%s (%d loan%s, %s)%s:",
				fmt.Sprintf(block.tableTitle, s.Username),
				bucket.Count, plural(bucket.Count), total.Display(), extra))
			parts = append(parts, FormatLoanTable(bucket.Shown, false))
		default:
			parts = append(parts, fmt.Sprintf("/u/%s has %d loan%s %s, for a total of %s",
				s.Username, bucket.Count, plural(bucket.Count),
				block.adjective, total.Display()))
		}
	}
	return strings.Join(parts, "\n\n")
}

// GetAndFormatAllOrSummary returns a markdown report of a user's loans:
// a plain table while they have few, the category summary once they
// have SummaryThreshold or more.
func GetAndFormatAllOrSummary(ctx context.Context, store Store, username string) (string, error) {
	count, err := store.CountLoansInvolving(ctx, username)
	if err != nil {
		return "", fmt.Errorf("count loans for %s: %w", username, err)
	}
	if count < SummaryThreshold {
		loans, err := store.LoansInvolving(ctx, username)
		if err != nil {
			return "", fmt.Errorf("list loans for %s: %w", username, err)
		}
		return FormatLoanTable(loans, false), nil
	}
	summary, err := store.UserSummary(ctx, username, ShownLoansPerTable)
	if err != nil {
		return "", fmt.Errorf("summarize loans for %s: %w", username, err)
	}
	return FormatLoanSummary(summary), nil
}
