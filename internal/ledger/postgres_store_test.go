//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/testutil"
)

func pgLoan(t *testing.T, store *PostgresStore, lender, borrower string, minor int64, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	lenderID, err := store.FindOrCreateUser(ctx, lender)
	require.NoError(t, err)
	borrowerID, err := store.FindOrCreateUser(ctx, borrower)
	require.NoError(t, err)
	id, err := store.CreateLoan(ctx, CreateLoanParams{
		LenderID:          lenderID,
		BorrowerID:        borrowerID,
		Principal:         money.New(minor, "USD"),
		PrincipalUSDMinor: minor,
		CreatedAt:         at,
		ParentFullname:    "t3_link",
		CommentFullname:   "t1_cmnt",
	})
	require.NoError(t, err)
	return id
}

func TestPostgresLedger_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	id := pgLoan(t, store, "Alice", "Bob", 10000, time.Now().UTC())

	loan, err := store.GetLoan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", loan.Lender)
	assert.Equal(t, "bob", loan.Borrower)
	assert.Equal(t, int64(10000), loan.Principal.Minor)
	assert.Equal(t, "USD", loan.Principal.Currency)
	assert.Equal(t, int64(10000), loan.PrincipalUSDMinor)
	assert.Equal(t, int64(0), loan.PrincipalRepaid.Minor)
	assert.Equal(t, "https://www.reddit.com/comments/link/redditloans/cmnt", loan.Permalink)
	assert.Nil(t, loan.RepaidAt)
	assert.Nil(t, loan.UnpaidAt)
}

func TestPostgresLedger_GetLoanNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	_, err := store.GetLoan(context.Background(), 999999)
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestPostgresLedger_RepaymentLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	id := pgLoan(t, store, "alice", "bob", 10000, time.Now().UTC())

	_, err := store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:            id,
		Applied:           money.New(4000, "USD"),
		AppliedUSDMinor:   4000,
		PriorRepaidMinor:  0,
		NewRepaidMinor:    4000,
		NewRepaidUSDMinor: 4000,
		At:                time.Now().UTC(),
	})
	require.NoError(t, err)

	loan, err := store.GetLoan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), loan.PrincipalRepaid.Minor)
	assert.Nil(t, loan.RepaidAt)

	// A write computed from the stale pre-repayment snapshot must fail.
	_, err = store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:            id,
		Applied:           money.New(6000, "USD"),
		AppliedUSDMinor:   6000,
		PriorRepaidMinor:  0,
		NewRepaidMinor:    6000,
		NewRepaidUSDMinor: 6000,
		At:                time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:            id,
		Applied:           money.New(6000, "USD"),
		AppliedUSDMinor:   6000,
		PriorRepaidMinor:  4000,
		NewRepaidMinor:    10000,
		NewRepaidUSDMinor: 10000,
		FullyRepaid:       true,
		At:                time.Now().UTC(),
	})
	require.NoError(t, err)

	loan, err = store.GetLoan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), loan.PrincipalRepaid.Minor)
	require.NotNil(t, loan.RepaidAt)
}

func TestPostgresLedger_MarkUnpaidAndResolveEvent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	id := pgLoan(t, store, "alice", "bob", 5000, time.Now().UTC())

	lenderID, err := store.FindUser(ctx, "alice")
	require.NoError(t, err)
	borrowerID, err := store.FindUser(ctx, "bob")
	require.NoError(t, err)

	marks, err := store.MarkUnpaid(ctx, lenderID, borrowerID, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, id, marks[0].LoanID)

	borrower, lender, err := store.UnpaidEventUsernames(ctx, marks[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, "bob", borrower)
	assert.Equal(t, "alice", lender)

	// Already-unpaid loans are not stamped twice.
	marks, err = store.MarkUnpaid(ctx, lenderID, borrowerID, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestPostgresLedger_FullRepaymentClearsUnpaid(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	id := pgLoan(t, store, "alice", "bob", 1000, time.Now().UTC())
	lenderID, _ := store.FindUser(ctx, "alice")
	borrowerID, _ := store.FindUser(ctx, "bob")
	_, err := store.MarkUnpaid(ctx, lenderID, borrowerID, time.Now().UTC())
	require.NoError(t, err)

	_, err = store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:            id,
		Applied:           money.New(1000, "USD"),
		AppliedUSDMinor:   1000,
		PriorRepaidMinor:  0,
		NewRepaidMinor:    1000,
		NewRepaidUSDMinor: 1000,
		FullyRepaid:       true,
		WasUnpaid:         true,
		At:                time.Now().UTC(),
	})
	require.NoError(t, err)

	loan, err := store.GetLoan(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loan.UnpaidAt)
	require.NotNil(t, loan.RepaidAt)
}

func TestPostgresLedger_OldestOpenLoan(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	older := pgLoan(t, store, "alice", "bob", 1000, now.Add(-48*time.Hour))
	_ = pgLoan(t, store, "alice", "bob", 2000, now)

	lenderID, _ := store.FindUser(ctx, "alice")
	borrowerID, _ := store.FindUser(ctx, "bob")

	loan, err := store.OldestOpenLoan(ctx, lenderID, borrowerID)
	require.NoError(t, err)
	assert.Equal(t, older, loan.ID)

	// Other direction has no loans.
	_, err = store.OldestOpenLoan(ctx, borrowerID, lenderID)
	assert.ErrorIs(t, err, ErrNoOpenLoans)
}

func TestPostgresLedger_MatchConfirm(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	id := pgLoan(t, store, "alice", "bob", 10000, time.Now().UTC())

	match, err := store.MatchConfirm(ctx, "alice", "bob", money.New(10000, "USD"), 10000)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, id, match.LoanID)

	// Cross-currency match allows up to a dollar of drift on the USD
	// reference.
	match, err = store.MatchConfirm(ctx, "alice", "bob", money.New(11000, "JPY"), 10050)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, id, match.LoanID)

	match, err = store.MatchConfirm(ctx, "alice", "bob", money.New(11000, "JPY"), 10200)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestPostgresLedger_UserSummaryAndCounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	open := pgLoan(t, store, "alice", "bob", 1000, now.AddDate(0, -1, 0))
	paid := pgLoan(t, store, "alice", "bob", 2000, now.AddDate(0, -2, 0))
	_, err := store.RecordRepayment(ctx, RepaymentRecord{
		LoanID: paid, Applied: money.New(2000, "USD"), AppliedUSDMinor: 2000,
		PriorRepaidMinor: 0, NewRepaidMinor: 2000, NewRepaidUSDMinor: 2000,
		FullyRepaid: true, At: now,
	})
	require.NoError(t, err)

	count, err := store.CountLoansInvolving(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	summary, err := store.UserSummary(ctx, "bob", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Buckets[PaidAsBorrower].Count)
	assert.Equal(t, int64(2000), summary.Buckets[PaidAsBorrower].TotalUSDMinor)
	assert.Empty(t, summary.Buckets[PaidAsBorrower].Shown)
	inprog := summary.Buckets[InProgressAsBorrower]
	require.Len(t, inprog.Shown, 1)
	assert.Equal(t, open, inprog.Shown[0].ID)

	lenderID, _ := store.FindUser(ctx, "alice")
	completed, err := store.CountCompletedAsLender(ctx, lenderID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), completed)
}

func TestPostgresLedger_SeenFullnames(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.MarkFullname(ctx, "t1_x"))
	require.NoError(t, store.MarkFullname(ctx, "t1_x"))
	require.NoError(t, store.MarkFullname(ctx, "t1_y"))

	seen, err := store.SeenFullnames(ctx, []string{"t1_x", "t1_y", "t1_z"})
	require.NoError(t, err)
	assert.True(t, seen["t1_x"])
	assert.True(t, seen["t1_y"])
	assert.False(t, seen["t1_z"])
}
