package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoansBot/loansbot/internal/money"
)

func seedLoan(t *testing.T, store *MemoryStore, lender, borrower string, minor int64, at time.Time) int64 {
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
	})
	require.NoError(t, err)
	return id
}

func TestMemoryStoreFindOrCreateUserIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.FindOrCreateUser(ctx, "Alice")
	require.NoError(t, err)
	second, err := store.FindOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	found, err := store.FindUser(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, first, found)

	_, err = store.FindUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStoreRecordRepaymentConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := seedLoan(t, store, "alice", "bob", 1000, time.Now())

	_, err := store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:           id,
		Applied:          money.New(400, "USD"),
		PriorRepaidMinor: 0,
		NewRepaidMinor:   400,
		At:               time.Now(),
	})
	require.NoError(t, err)

	// A second writer computed from the same stale snapshot.
	_, err = store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:           id,
		Applied:          money.New(600, "USD"),
		PriorRepaidMinor: 0,
		NewRepaidMinor:   600,
		At:               time.Now(),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStoreOldestOpenLoanOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newer := seedLoan(t, store, "alice", "bob", 1000,
		time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC))
	older := seedLoan(t, store, "alice", "bob", 2000,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	_ = newer

	lenderID, err := store.FindUser(ctx, "alice")
	require.NoError(t, err)
	borrowerID, err := store.FindUser(ctx, "bob")
	require.NoError(t, err)

	loan, err := store.OldestOpenLoan(ctx, lenderID, borrowerID)
	require.NoError(t, err)
	assert.Equal(t, older, loan.ID)
}

func TestMemoryStoreSeenFullnames(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.MarkFullname(ctx, "t1_a"))
	require.NoError(t, store.MarkFullname(ctx, "t1_b"))
	// Re-marking an already handled comment is a no-op.
	require.NoError(t, store.MarkFullname(ctx, "t1_a"))

	seen, err := store.SeenFullnames(ctx, []string{"t1_a", "t1_b", "t1_c"})
	require.NoError(t, err)
	assert.True(t, seen["t1_a"])
	assert.True(t, seen["t1_b"])
	assert.False(t, seen["t1_c"])
}

func TestMemoryStoreUserSummaryBuckets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	open := seedLoan(t, store, "alice", "bob", 1000, now.AddDate(0, -1, 0))
	paid := seedLoan(t, store, "alice", "bob", 2000, now.AddDate(0, -2, 0))
	_, err := store.RecordRepayment(ctx, RepaymentRecord{
		LoanID: paid, Applied: money.New(2000, "USD"),
		PriorRepaidMinor: 0, NewRepaidMinor: 2000, NewRepaidUSDMinor: 2000,
		FullyRepaid: true, At: now,
	})
	require.NoError(t, err)

	summary, err := store.UserSummary(ctx, "bob", 7)
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Buckets[PaidAsBorrower].Count)
	assert.Equal(t, int64(2000), summary.Buckets[PaidAsBorrower].TotalUSDMinor)
	assert.Empty(t, summary.Buckets[PaidAsBorrower].Shown)

	inprog := summary.Buckets[InProgressAsBorrower]
	assert.Equal(t, int64(1), inprog.Count)
	require.Len(t, inprog.Shown, 1)
	assert.Equal(t, open, inprog.Shown[0].ID)

	assert.Equal(t, int64(0), summary.Buckets[UnpaidAsBorrower].Count)
	assert.Equal(t, int64(0), summary.Buckets[PaidAsLender].Count)
}

func TestMemoryStoreMonthlyStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	jan := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2020, 2, 10, 0, 0, 0, 0, time.UTC)
	seedLoan(t, store, "alice", "bob", 1000, jan)
	seedLoan(t, store, "alice", "bob", 3000, jan)
	id := seedLoan(t, store, "alice", "bob", 500, feb)
	_, err := store.RecordRepayment(ctx, RepaymentRecord{
		LoanID: id, Applied: money.New(500, "USD"),
		PriorRepaidMinor: 0, NewRepaidMinor: 500, NewRepaidUSDMinor: 500,
		FullyRepaid: true, At: feb,
	})
	require.NoError(t, err)

	stats, err := store.MonthlyStats(ctx)
	require.NoError(t, err)

	byKey := map[string]MonthlyStat{}
	for _, s := range stats {
		byKey[s.Series] = s
		if s.Series == "lent" && s.Month == 1 {
			assert.Equal(t, int64(2), s.Count)
			assert.Equal(t, int64(4000), s.USDMinor)
		}
	}
	repaid, ok := byKey["repaid"]
	require.True(t, ok)
	assert.Equal(t, 2, repaid.Month)
	assert.Equal(t, int64(1), repaid.Count)
}
