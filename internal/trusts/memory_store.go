package trusts

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory vetting store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64

	trustsByUser map[int64]*Trust
	delaysByUser map[int64]*LoanDelay

	Comments []Comment
	Reviews  []Review
}

// Comment is a recorded vetting note.
type Comment struct {
	AuthorID int64
	TargetID int64
	Comment  string
}

// Review is a recorded review-queue entry.
type Review struct {
	UserID int64
	At     time.Time
}

// NewMemoryStore creates an empty in-memory vetting store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:       1,
		trustsByUser: map[int64]*Trust{},
		delaysByUser: map[int64]*LoanDelay{},
	}
}

func (m *MemoryStore) GetTrust(_ context.Context, userID int64) (*Trust, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trustsByUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTrust(_ context.Context, userID int64, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trustsByUser[userID]; ok {
		return fmt.Errorf("%w: user %d", ErrTrustExists, userID)
	}
	m.trustsByUser[userID] = &Trust{
		ID: m.nextID, UserID: userID, Status: status, Reason: reason,
		CreatedAt: time.Now(),
	}
	m.nextID++
	return nil
}

func (m *MemoryStore) InsertComment(_ context.Context, authorID, targetID int64, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Comments = append(m.Comments, Comment{AuthorID: authorID, TargetID: targetID, Comment: comment})
	return nil
}

func (m *MemoryStore) GetLoanDelay(_ context.Context, userID int64) (*LoanDelay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delaysByUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpsertLoanDelay(_ context.Context, userID int64, loansCompleted int64, minReviewAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delaysByUser[userID] = &LoanDelay{
		ID: m.nextID, UserID: userID,
		LoansCompletedAsLender: loansCompleted, MinReviewAt: minReviewAt,
	}
	m.nextID++
	return nil
}

func (m *MemoryStore) DeleteLoanDelay(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.delaysByUser, userID)
	return nil
}

func (m *MemoryStore) EnqueueReview(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reviews = append(m.Reviews, Review{UserID: userID, At: at})
	return nil
}
