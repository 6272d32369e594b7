package perms

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// TempBan mirrors one temporary subreddit ban observed in the modlog.
type TempBan struct {
	ID        int64
	UserID    int64
	Username  string
	Subreddit string
	EndsAt    time.Time
}

// BanStore tracks temporary bans so the reaper can flush snapshots as
// they lapse.
type BanStore interface {
	// InsertBan records a temporary ban ending at endsAt.
	InsertBan(ctx context.Context, userID, modUserID int64, subreddit string, endsAt time.Time) error
	// DeleteBansFor removes all rows for the user on the subreddit,
	// used when the ban is lifted or replaced with a permanent one.
	DeleteBansFor(ctx context.Context, userID int64, subreddit string) error
	// ExpiringBans returns up to limit bans ending before the cutoff,
	// soonest first.
	ExpiringBans(ctx context.Context, cutoff time.Time, limit int) ([]TempBan, error)
	// DeleteBans removes the identified rows.
	DeleteBans(ctx context.Context, ids []int64) error
}

var _ BanStore = (*PostgresBanStore)(nil)

// PostgresBanStore persists temporary bans in the temporary_bans table.
type PostgresBanStore struct {
	db *sql.DB
}

// NewPostgresBanStore creates a store over the shared database.
func NewPostgresBanStore(db *sql.DB) *PostgresBanStore {
	return &PostgresBanStore{db: db}
}

func (s *PostgresBanStore) InsertBan(ctx context.Context, userID, modUserID int64, subreddit string, endsAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temporary_bans (user_id, mod_user_id, subreddit, ends_at)
		VALUES ($1, $2, $3, $4)
	`, userID, modUserID, subreddit, endsAt)
	if err != nil {
		return fmt.Errorf("insert temporary ban: %w", err)
	}
	return nil
}

func (s *PostgresBanStore) DeleteBansFor(ctx context.Context, userID int64, subreddit string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM temporary_bans WHERE user_id = $1 AND subreddit = $2
	`, userID, subreddit)
	if err != nil {
		return fmt.Errorf("delete temporary bans: %w", err)
	}
	return nil
}

func (s *PostgresBanStore) ExpiringBans(ctx context.Context, cutoff time.Time, limit int) ([]TempBan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT temporary_bans.id, temporary_bans.user_id, users.username,
		       temporary_bans.subreddit, temporary_bans.ends_at
		FROM temporary_bans
		JOIN users ON users.id = temporary_bans.user_id
		WHERE temporary_bans.ends_at < $1
		ORDER BY temporary_bans.ends_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expiring bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bans []TempBan
	for rows.Next() {
		var b TempBan
		if err := rows.Scan(&b.ID, &b.UserID, &b.Username, &b.Subreddit, &b.EndsAt); err != nil {
			return nil, fmt.Errorf("scan temporary ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

func (s *PostgresBanStore) DeleteBans(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM temporary_bans WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete temporary bans by id: %w", err)
	}
	return nil
}

var _ BanStore = (*MemoryBanStore)(nil)

// MemoryBanStore is an in-memory ban store for tests.
type MemoryBanStore struct {
	mu     sync.Mutex
	nextID int64
	bans   map[int64]TempBan
	names  map[int64]string
}

// NewMemoryBanStore creates an empty in-memory ban store. names maps
// user ids to usernames for ExpiringBans.
func NewMemoryBanStore(names map[int64]string) *MemoryBanStore {
	if names == nil {
		names = map[int64]string{}
	}
	return &MemoryBanStore{nextID: 1, bans: map[int64]TempBan{}, names: names}
}

func (m *MemoryBanStore) InsertBan(_ context.Context, userID, _ int64, subreddit string, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.bans[id] = TempBan{
		ID: id, UserID: userID, Username: m.names[userID],
		Subreddit: subreddit, EndsAt: endsAt,
	}
	return nil
}

func (m *MemoryBanStore) DeleteBansFor(_ context.Context, userID int64, subreddit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.bans {
		if b.UserID == userID && b.Subreddit == subreddit {
			delete(m.bans, id)
		}
	}
	return nil
}

func (m *MemoryBanStore) ExpiringBans(_ context.Context, cutoff time.Time, limit int) ([]TempBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bans []TempBan
	for _, b := range m.bans {
		if b.EndsAt.Before(cutoff) {
			bans = append(bans, b)
		}
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].EndsAt.Before(bans[j].EndsAt) })
	if len(bans) > limit {
		bans = bans[:limit]
	}
	return bans, nil
}

func (m *MemoryBanStore) DeleteBans(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.bans, id)
	}
	return nil
}
