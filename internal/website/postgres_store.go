package website

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/database"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists website account state in the shared database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the shared database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindOrCreateUser(ctx context.Context, username string) (int64, error) {
	username = strings.ToLower(username)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := database.FindOrCreateOrFind(ctx, tx,
		database.Query{SQL: `SELECT id FROM users WHERE username = $1`, Args: []any{username}},
		database.Query{SQL: `INSERT INTO users (username) VALUES ($1) RETURNING id`, Args: []any{username}},
	)
	if err != nil {
		return 0, fmt.Errorf("find or create user %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) HumanAuth(ctx context.Context, userID int64) (int64, bool, error) {
	var authID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM password_authentications
		WHERE user_id = $1 AND human AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&authID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select human auth for user %d: %w", userID, err)
	}
	return authID, true, nil
}

func (s *PostgresStore) AuthsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM password_authentications
		WHERE user_id = $1 AND NOT deleted
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select auths for user %d: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan auth id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) EnsurePermission(ctx context.Context, name, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := database.FindOrCreateOrFind(ctx, tx,
		database.Query{SQL: `SELECT id FROM permissions WHERE name = $1`, Args: []any{name}},
		database.Query{
			SQL:  `INSERT INTO permissions (name, description) VALUES ($1, $2) RETURNING id`,
			Args: []any{name, description},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("find or create permission %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AllPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description FROM permissions ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("select permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *PostgresStore) PermissionNamesOnAuth(ctx context.Context, authID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permissions.name
		FROM password_auth_permissions
		JOIN permissions ON permissions.id = password_auth_permissions.permission_id
		WHERE password_auth_permissions.password_authentication_id = $1
		ORDER BY permissions.name ASC
	`, authID)
	if err != nil {
		return nil, fmt.Errorf("select permissions on auth %d: %w", authID, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan permission name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) GrantPermission(ctx context.Context, authID, permissionID, actorUserID int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO password_auth_permissions (password_authentication_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, authID, permissionID)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already held; leave the audit trail alone.
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO password_authentication_events
		    (password_authentication_id, type, reason, user_id, permission_id)
		VALUES ($1, $2, $3, $4, $5)
	`, authID, EventPermissionGranted, reason, actorUserID, permissionID)
	if err != nil {
		return fmt.Errorf("insert grant event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) RevokePermission(ctx context.Context, authID, permissionID, actorUserID int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM password_auth_permissions
		WHERE password_authentication_id = $1 AND permission_id = $2
	`, authID, permissionID)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO password_authentication_events
		    (password_authentication_id, type, reason, user_id, permission_id)
		VALUES ($1, $2, $3, $4, $5)
	`, authID, EventPermissionRevoked, reason, actorUserID, permissionID)
	if err != nil {
		return fmt.Errorf("insert revoke event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteAuthTokens(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM authtokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete authtokens for user %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) IsModerator(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM moderators WHERE user_id = $1)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check moderator %d: %w", userID, err)
	}
	return exists, nil
}

func (s *PostgresStore) AddModerator(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderators (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("add moderator %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveModerator(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM moderators WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove moderator %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) ListModerators(ctx context.Context) ([]Moderator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT moderators.id, moderators.user_id, users.username
		FROM moderators
		JOIN users ON users.id = moderators.user_id
		ORDER BY moderators.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("select moderators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mods []Moderator
	for rows.Next() {
		var m Moderator
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username); err != nil {
			return nil, fmt.Errorf("scan moderator: %w", err)
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

func (s *PostgresStore) MaxOnboardingOrder(ctx context.Context) (int, bool, error) {
	var order sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(msg_order) FROM mod_onboarding_messages
	`).Scan(&order)
	if err != nil {
		return 0, false, fmt.Errorf("select max onboarding order: %w", err)
	}
	if !order.Valid {
		return 0, false, nil
	}
	return int(order.Int64), true, nil
}

func (s *PostgresStore) OnboardingProgress(ctx context.Context, moderatorID int64) (int, bool, error) {
	var order int
	err := s.db.QueryRowContext(ctx, `
		SELECT msg_order FROM mod_onboarding_progress WHERE moderator_id = $1
	`, moderatorID).Scan(&order)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select onboarding progress for moderator %d: %w", moderatorID, err)
	}
	return order, true, nil
}

func (s *PostgresStore) SetOnboardingProgress(ctx context.Context, moderatorID int64, order int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mod_onboarding_progress (moderator_id, msg_order, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (moderator_id) DO UPDATE
		SET msg_order = EXCLUDED.msg_order, updated_at = EXCLUDED.updated_at
	`, moderatorID, order, at)
	if err != nil {
		return fmt.Errorf("set onboarding progress for moderator %d: %w", moderatorID, err)
	}
	return nil
}

func (s *PostgresStore) NextOnboardingMessage(ctx context.Context, afterOrder int) (*OnboardingMessage, error) {
	var msg OnboardingMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT m.msg_order,
		       titles.id, titles.name, titles.response_body,
		       bodies.id, bodies.name, bodies.response_body
		FROM mod_onboarding_messages m
		JOIN responses titles ON titles.id = m.title_id
		JOIN responses bodies ON bodies.id = m.body_id
		WHERE m.msg_order > $1
		ORDER BY m.msg_order ASC
		LIMIT 1
	`, afterOrder).Scan(
		&msg.MsgOrder,
		&msg.TitleID, &msg.TitleName, &msg.Title,
		&msg.BodyID, &msg.BodyName, &msg.Body,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next onboarding message after %d: %w", afterOrder, err)
	}
	return &msg, nil
}

func (s *PostgresStore) ResponseByName(ctx context.Context, name string) (Response, bool, error) {
	var r Response
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, response_body FROM responses WHERE name = $1
	`, name).Scan(&r.ID, &r.Name, &r.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("select response %s: %w", name, err)
	}
	return r, true, nil
}

func (s *PostgresStore) InsertLetterHistory(ctx context.Context, userID int64, titleID int64, titleName string, bodyID int64, bodyName string) error {
	var titleRef, bodyRef any
	if titleID != 0 {
		titleRef = titleID
	}
	if bodyID != 0 {
		bodyRef = bodyID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mod_onboarding_msg_history
		    (user_id, title_response_id, title_response_name, body_response_id, body_response_name)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, titleRef, titleName, bodyRef, bodyName)
	if err != nil {
		return fmt.Errorf("insert letter history for user %d: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) UserSettings(ctx context.Context, userID int64) (Settings, error) {
	var settings Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT borrower_req_pm_opt_out, non_req_response_opt_out
		FROM user_settings WHERE user_id = $1
	`, userID).Scan(&settings.BorrowerReqPMOptOut, &settings.NonReqResponseOptOut)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("select settings for user %d: %w", userID, err)
	}
	return settings, nil
}
