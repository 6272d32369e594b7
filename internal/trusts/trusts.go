// Package trusts tracks lender vetting: each lender has at most one
// trust row (unknown/good/bad), free-form vetting comments from the
// mod team, and optionally a delayed re-review scheduled after they
// complete more loans.
package trusts

import (
	"context"
	"errors"
	"time"
)

// Trust statuses. The website moves lenders between them; the bot only
// creates unknown rows when a lender first qualifies for vetting.
const (
	StatusUnknown = "unknown"
	StatusGood    = "good"
	StatusBad     = "bad"
)

// ReviewQueue is the delayed-queue name the website's vetting view
// consumes.
const ReviewQueue = "trust_review"

// VettingThreshold is how many completed loans as lender put a
// never-vetted lender into the review queue.
const VettingThreshold = 15

// ErrTrustExists is returned when creating a trust row for a user who
// already has one.
var ErrTrustExists = errors.New("trusts: user already has a trust row")

// Trust is one lender's vetting status.
type Trust struct {
	ID        int64
	UserID    int64
	Status    string
	Reason    string
	CreatedAt time.Time
}

// LoanDelay defers a lender's re-review until they have completed the
// recorded number of loans, and no earlier than MinReviewAt.
type LoanDelay struct {
	ID                     int64
	UserID                 int64
	LoansCompletedAsLender int64
	MinReviewAt            time.Time
}

// Store is the persistence boundary for vetting state.
type Store interface {
	// GetTrust returns nil when the user has no trust row.
	GetTrust(ctx context.Context, userID int64) (*Trust, error)
	// CreateTrust returns ErrTrustExists if a row already exists.
	CreateTrust(ctx context.Context, userID int64, status, reason string) error
	// InsertComment appends a vetting note about target authored by
	// author.
	InsertComment(ctx context.Context, authorID, targetID int64, comment string) error

	// GetLoanDelay returns nil when no re-review is pending.
	GetLoanDelay(ctx context.Context, userID int64) (*LoanDelay, error)
	UpsertLoanDelay(ctx context.Context, userID int64, loansCompleted int64, minReviewAt time.Time) error
	DeleteLoanDelay(ctx context.Context, userID int64) error

	// EnqueueReview schedules the user for the website's vetting queue
	// no earlier than at.
	EnqueueReview(ctx context.Context, userID int64, at time.Time) error
}
