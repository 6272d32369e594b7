package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoansBot/loansbot/internal/money"
)

func sampleLoan(id int64) Loan {
	created := time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC)
	return Loan{
		ID:              id,
		Lender:          "alice",
		Borrower:        "bob",
		Principal:       money.New(10000, "USD"),
		PrincipalRepaid: money.New(2500, "USD"),
		Permalink:       "https://www.reddit.com/comments/abc/redditloans/def",
		CreatedAt:       created,
	}
}

func TestFormatLoanTable(t *testing.T) {
	loan := sampleLoan(7)
	repaid := time.Date(2020, 5, 2, 0, 0, 0, 0, time.UTC)
	loan.RepaidAt = &repaid

	got := FormatLoanTable([]Loan{loan}, false)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Lender|Borrower|Amount Given|Amount Repaid|Unpaid?|Original Thread|Date Given|Date Paid Back", lines[0])
	assert.Equal(t, ":--|:--|:--|:--|:--|:--|:--|:--", lines[1])
	assert.Equal(t, "alice|bob|$100.00|$25.00||https://www.reddit.com/comments/abc/redditloans/def|Mar 15, 2020|May 02, 2020", lines[2])
}

func TestFormatLoanTableWithIDAndUnpaid(t *testing.T) {
	loan := sampleLoan(42)
	unpaid := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	loan.UnpaidAt = &unpaid
	loan.Permalink = ""

	got := FormatLoanTable([]Loan{loan}, true)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "|id"))
	assert.True(t, strings.HasSuffix(lines[1], "|:--"))
	assert.Equal(t, "alice|bob|$100.00|$25.00|***UNPAID***||Mar 15, 2020||42", lines[2])
}

func TestFormatLoanSummaryEmpty(t *testing.T) {
	summary := &Summary{Username: "alice", Buckets: map[string]Bucket{}}
	got := FormatLoanSummary(summary)

	assert.Contains(t, got, "/u/alice has not taken and completely paid back any loans.")
	assert.Contains(t, got, "/u/alice has not given out and had completely paid back any loans.")
	assert.Contains(t, got, "/u/alice has not received any loans which are currently marked unpaid")
	assert.Contains(t, got, "/u/alice does not have any outstanding loans as a lender")
}

func TestFormatLoanSummaryPaidBucketsCollapse(t *testing.T) {
	summary := &Summary{
		Username: "alice",
		Buckets: map[string]Bucket{
			PaidAsLender: {Count: 3, TotalUSDMinor: 45000},
		},
	}
	got := FormatLoanSummary(summary)
	assert.Contains(t, got, "/u/alice has 3 loans paid as a lender, for a total of $450.00")
}

func TestFormatLoanSummaryShowsTableWithOmittedCount(t *testing.T) {
	summary := &Summary{
		Username: "alice",
		Buckets: map[string]Bucket{
			InProgressAsLender: {
				Count:         9,
				TotalUSDMinor: 90000,
				Shown:         []Loan{sampleLoan(1), sampleLoan(2)},
			},
		},
	}
	got := FormatLoanSummary(summary)
	assert.Contains(t, got, "In-progress loans with /u/alice as lender (9 loans, $900.00) (**7 loans omitted from the table**):")
	assert.Contains(t, got, "Lender|Borrower|Amount Given")
}

func TestGetAndFormatAllOrSummaryThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil, &eventRecorder{})

	for i := 0; i < SummaryThreshold-1; i++ {
		_, err := svc.CreateLoan(ctx, CreateLoanInput{
			Lender: "alice", Borrower: "bob", Amount: money.New(1000, "USD"),
		})
		require.NoError(t, err)
	}

	got, err := GetAndFormatAllOrSummary(ctx, store, "bob")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Lender|Borrower|"))
	assert.NotContains(t, got, "In-progress loans with")

	_, err = svc.CreateLoan(ctx, CreateLoanInput{
		Lender: "alice", Borrower: "bob", Amount: money.New(1000, "USD"),
	})
	require.NoError(t, err)

	got, err = GetAndFormatAllOrSummary(ctx, store, "bob")
	require.NoError(t, err)
	assert.Contains(t, got, "In-progress loans with /u/bob as borrower (5 loans, $50.00):")
	assert.Contains(t, got, "/u/bob does not have any outstanding loans as a lender")
}
