// Package ledger is the bookkeeping core: loans, repayments,
// delinquency, and the derived per-user summaries.
//
// Amounts are stored in minor units alongside a USD reference computed
// at creation time. The USD reference never changes afterwards; later
// repayment records derive their USD fields from the rate frozen at
// loan creation, so a loan's USD total cannot drift with FX.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/LoansBot/loansbot/internal/money"
)

var (
	// ErrLoanNotFound is returned when a loan id does not resolve to a
	// non-deleted loan.
	ErrLoanNotFound = errors.New("ledger: loan not found")

	// ErrLoanRepaid is returned when a repayment targets a loan that
	// is already fully repaid.
	ErrLoanRepaid = errors.New("ledger: loan already repaid")

	// ErrNonPositiveAmount is returned when a repayment amount is zero
	// or negative.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

	// ErrUserNotFound is returned by lookups that do not create users.
	ErrUserNotFound = errors.New("ledger: user not found")

	// ErrNoOpenLoans signals there is no open loan for the requested
	// lender/borrower pair.
	ErrNoOpenLoans = errors.New("ledger: no open loans")

	// ErrConflict is returned when a repayment raced another writer:
	// the loan's repaid total moved between read and write.
	ErrConflict = errors.New("ledger: loan modified concurrently")
)

// Loan is a fully joined view of a loan row.
type Loan struct {
	ID         int64
	LenderID   int64
	Lender     string
	BorrowerID int64
	Borrower   string

	Principal         money.Money
	PrincipalUSDMinor int64

	PrincipalRepaid         money.Money
	PrincipalRepaidUSDMinor int64

	// Permalink is a deep link to the originating comment, empty when
	// the loan did not come from a comment (creation info type != 0).
	Permalink string

	CreatedAt time.Time
	RepaidAt  *time.Time
	UnpaidAt  *time.Time
	DeletedAt *time.Time
}

// Open reports whether the loan can still receive repayments.
func (l *Loan) Open() bool {
	return l.RepaidAt == nil && l.DeletedAt == nil &&
		l.PrincipalRepaid.Minor < l.Principal.Minor
}

// Outstanding is the principal still owed, in the loan currency.
func (l *Loan) Outstanding() int64 {
	return l.Principal.Minor - l.PrincipalRepaid.Minor
}

// CreateLoanParams carries the already-converted values for a new loan
// row. The service computes the stored amount and the USD reference
// before handing off to the store.
type CreateLoanParams struct {
	LenderID          int64
	BorrowerID        int64
	Principal         money.Money
	PrincipalUSDMinor int64
	CreatedAt         time.Time

	// Origin comment, recorded as creation info type 0.
	ParentFullname  string
	CommentFullname string
}

// RepaymentRecord is the set of writes for one repayment application,
// committed atomically by the store. The service computes every field
// from the loan snapshot it read under lock.
type RepaymentRecord struct {
	LoanID int64

	Applied         money.Money
	AppliedUSDMinor int64

	// PriorRepaidMinor is the repaid total the service read before
	// computing this record; the store rejects the write with
	// ErrConflict if the loan has moved since.
	PriorRepaidMinor int64

	NewRepaidMinor    int64
	NewRepaidUSDMinor int64

	// FullyRepaid sets repaid_at and clears unpaid_at; WasUnpaid
	// additionally appends a clearing unpaid-event.
	FullyRepaid bool
	WasUnpaid   bool
	At          time.Time
}

// UnpaidMark identifies one appended unpaid-event and the loan it
// belongs to.
type UnpaidMark struct {
	EventID int64
	LoanID  int64
}

// Bucket keys for the six-way summary.
const (
	PaidAsLender         = "paid_as_lender"
	PaidAsBorrower       = "paid_as_borrower"
	UnpaidAsLender       = "unpaid_as_lender"
	UnpaidAsBorrower     = "unpaid_as_borrower"
	InProgressAsLender   = "inprogress_as_lender"
	InProgressAsBorrower = "inprogress_as_borrower"
)

// BucketKeys is the render order of the summary blocks.
var BucketKeys = []string{
	PaidAsBorrower, PaidAsLender,
	UnpaidAsBorrower, UnpaidAsLender,
	InProgressAsBorrower, InProgressAsLender,
}

// Bucket aggregates one summary category.
type Bucket struct {
	Count         int64
	TotalUSDMinor int64
	// Shown holds up to a handful of representative loans from the
	// last year, newest first. Empty for the paid buckets.
	Shown []Loan
}

// Summary is the six-way breakdown of a user's loans.
type Summary struct {
	Username string
	Buckets  map[string]Bucket
}

// ConfirmMatch is the loan matched by a borrower's $confirm.
type ConfirmMatch struct {
	LoanID    int64
	Permalink string
}

// Store is the persistence boundary for the ledger. Implementations
// must make CreateLoan, RecordRepayment, and MarkUnpaid atomic.
type Store interface {
	// FindOrCreateUser returns the id for the lowercased username,
	// creating the row if needed (find, create, re-find on races).
	FindOrCreateUser(ctx context.Context, username string) (int64, error)
	// FindUser returns ErrUserNotFound instead of creating.
	FindUser(ctx context.Context, username string) (int64, error)

	CreateLoan(ctx context.Context, p CreateLoanParams) (int64, error)
	// GetLoanForUpdate reads a loan, locking the row in transactional
	// stores so concurrent repayments serialize.
	GetLoanForUpdate(ctx context.Context, id int64) (*Loan, error)
	GetLoan(ctx context.Context, id int64) (*Loan, error)
	// OldestOpenLoan returns ErrNoOpenLoans when the pair has no
	// non-repaid, non-deleted loan.
	OldestOpenLoan(ctx context.Context, lenderID, borrowerID int64) (*Loan, error)
	RecordRepayment(ctx context.Context, rec RepaymentRecord) (eventID int64, err error)
	// MarkUnpaid stamps every open loan for the pair and appends one
	// unpaid-event per affected loan.
	MarkUnpaid(ctx context.Context, lenderID, borrowerID int64, at time.Time) ([]UnpaidMark, error)

	// UnpaidEventUsernames resolves an unpaid-event id to the loan's
	// borrower and lender handles.
	UnpaidEventUsernames(ctx context.Context, eventID int64) (borrower, lender string, err error)

	// Queries backing summaries, replies, and the lifecycle workers.
	CountLoansInvolving(ctx context.Context, username string) (int64, error)
	LoansInvolving(ctx context.Context, username string) ([]Loan, error)
	UserSummary(ctx context.Context, username string, shownLimit int) (*Summary, error)
	MatchConfirm(ctx context.Context, lender, borrower string, amount money.Money, usdMinor int64) (*ConfirmMatch, error)
	OpenLoansForLender(ctx context.Context, lenderID int64) ([]Loan, error)
	OpenLoansForBorrower(ctx context.Context, borrowerID int64) ([]Loan, error)
	CountAsLenderBefore(ctx context.Context, lenderID, beforeLoanID int64) (int64, error)
	CountAsLender(ctx context.Context, lenderID int64) (int64, error)
	CountCompletedAsLender(ctx context.Context, lenderID int64) (int64, error)
	CountUnpaidAsBorrower(ctx context.Context, borrowerID int64) (int64, error)

	// Scanner dedupe set. Insert-only.
	SeenFullnames(ctx context.Context, fullnames []string) (map[string]bool, error)
	MarkFullname(ctx context.Context, fullname string) error

	// MonthlyStats feeds the stats cache worker.
	MonthlyStats(ctx context.Context) ([]MonthlyStat, error)
}

// MonthlyStat is one (year, month) aggregation cell for one series.
type MonthlyStat struct {
	Series   string // lent, repaid, unpaid
	Year     int
	Month    int
	Count    int64
	USDMinor int64
}
