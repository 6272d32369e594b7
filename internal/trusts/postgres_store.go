package trusts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LoansBot/loansbot/internal/database"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists vetting state in the trusts, trust_comments,
// trust_loan_delays, and delayed_queue tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the shared database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetTrust(ctx context.Context, userID int64) (*Trust, error) {
	var t Trust
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, reason, created_at
		FROM trusts WHERE user_id = $1
	`, userID).Scan(&t.ID, &t.UserID, &t.Status, &t.Reason, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select trust for user %d: %w", userID, err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTrust(ctx context.Context, userID int64, status, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusts (user_id, status, reason) VALUES ($1, $2, $3)
	`, userID, status, reason)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: user %d", ErrTrustExists, userID)
	}
	if err != nil {
		return fmt.Errorf("insert trust for user %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, authorID, targetID int64, comment string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_comments (author_id, target_id, comment)
		VALUES ($1, $2, $3)
	`, authorID, targetID, comment)
	if err != nil {
		return fmt.Errorf("insert trust comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLoanDelay(ctx context.Context, userID int64) (*LoanDelay, error) {
	var d LoanDelay
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, loans_completed_as_lender, min_review_at
		FROM trust_loan_delays WHERE user_id = $1
	`, userID).Scan(&d.ID, &d.UserID, &d.LoansCompletedAsLender, &d.MinReviewAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select loan delay for user %d: %w", userID, err)
	}
	return &d, nil
}

func (s *PostgresStore) UpsertLoanDelay(ctx context.Context, userID int64, loansCompleted int64, minReviewAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_loan_delays (user_id, loans_completed_as_lender, min_review_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET loans_completed_as_lender = EXCLUDED.loans_completed_as_lender,
		    min_review_at = EXCLUDED.min_review_at
	`, userID, loansCompleted, minReviewAt)
	if err != nil {
		return fmt.Errorf("upsert loan delay for user %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteLoanDelay(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM trust_loan_delays WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete loan delay for user %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) EnqueueReview(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delayed_queue (queue, event_at, payload)
		VALUES ($1, $2, jsonb_build_object('user_id', $3::bigint))
	`, ReviewQueue, at, userID)
	if err != nil {
		return fmt.Errorf("enqueue trust review for user %d: %w", userID, err)
	}
	return nil
}
