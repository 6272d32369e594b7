package website

import (
	"context"
	"fmt"
	"log/slog"
)

// Reasons recorded on the audit trail for automated changes.
const (
	ReasonBecameMod   = "Became moderator"
	ReasonNoLongerMod = "No longer a mod"
	ReasonSignup      = "Default permissions on signup"
)

// Service implements the bot's automated permission management on top
// of a Store. Every change is audited against the bot's own account.
type Service struct {
	store    Store
	defaults []string
	logger   *slog.Logger
}

// NewService wires the website service. defaults are the permission
// names every claimed account starts with.
func NewService(store Store, defaults []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, defaults: defaults, logger: logger}
}

// Store exposes the underlying store.
func (s *Service) Store() Store { return s.store }

// DefaultPermissions returns the configured signup grants.
func (s *Service) DefaultPermissions() []string { return s.defaults }

func (s *Service) actorID(ctx context.Context) (int64, error) {
	return s.store.FindOrCreateUser(ctx, BotUsername)
}

// GrantPermissions attaches each named permission to the auth,
// creating missing permission rows, skipping ones already held.
func (s *Service) GrantPermissions(ctx context.Context, authID int64, reason string, names []string) error {
	actor, err := s.actorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot account: %w", err)
	}
	for _, name := range names {
		permID, err := s.store.EnsurePermission(ctx, name, "")
		if err != nil {
			return err
		}
		if err := s.store.GrantPermission(ctx, authID, permID, actor, reason); err != nil {
			return fmt.Errorf("grant %s: %w", name, err)
		}
	}
	return nil
}

// GrantDefaultPermissions gives a freshly claimed account the standard
// grants. Users with no human authentication are skipped (found=false).
func (s *Service) GrantDefaultPermissions(ctx context.Context, userID int64) (granted bool, err error) {
	authID, found, err := s.store.HumanAuth(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := s.GrantPermissions(ctx, authID, ReasonSignup, s.defaults); err != nil {
		return false, err
	}
	return true, nil
}

// GrantModPermissions gives the moderator's human authentication every
// permission that exists. Returns false when the account is unclaimed.
func (s *Service) GrantModPermissions(ctx context.Context, userID int64) (granted bool, err error) {
	authID, found, err := s.store.HumanAuth(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	actor, err := s.actorID(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve bot account: %w", err)
	}
	all, err := s.store.AllPermissions(ctx)
	if err != nil {
		return false, err
	}
	held, err := s.store.PermissionNamesOnAuth(ctx, authID)
	if err != nil {
		return false, err
	}
	heldSet := make(map[string]bool, len(held))
	for _, name := range held {
		heldSet[name] = true
	}

	for _, perm := range all {
		if heldSet[perm.Name] {
			continue
		}
		if err := s.store.GrantPermission(ctx, authID, perm.ID, actor, ReasonBecameMod); err != nil {
			return false, fmt.Errorf("grant %s: %w", perm.Name, err)
		}
	}
	return true, nil
}

// RevokeModPermissions strips every non-default permission from all of
// the user's authentications and logs them out everywhere.
func (s *Service) RevokeModPermissions(ctx context.Context, userID int64) error {
	actor, err := s.actorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot account: %w", err)
	}

	defaultSet := make(map[string]bool, len(s.defaults))
	for _, name := range s.defaults {
		defaultSet[name] = true
	}
	all, err := s.store.AllPermissions(ctx)
	if err != nil {
		return err
	}

	authIDs, err := s.store.AuthsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, authID := range authIDs {
		held, err := s.store.PermissionNamesOnAuth(ctx, authID)
		if err != nil {
			return err
		}
		heldSet := make(map[string]bool, len(held))
		for _, name := range held {
			heldSet[name] = true
		}
		for _, perm := range all {
			if defaultSet[perm.Name] || !heldSet[perm.Name] {
				continue
			}
			if err := s.store.RevokePermission(ctx, authID, perm.ID, actor, ReasonNoLongerMod); err != nil {
				return fmt.Errorf("revoke %s: %w", perm.Name, err)
			}
		}
	}

	if err := s.store.DeleteAuthTokens(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("revoked moderator permissions", "user_id", userID)
	return nil
}

// StoreLetterHistory records that the user was sent the letter with
// the given base name. Missing template rows are recorded by name with
// no id, so the history survives template deletion.
func (s *Service) StoreLetterHistory(ctx context.Context, userID int64, letterName string) error {
	titleName := letterName + "_title"
	bodyName := letterName + "_body"

	title, _, err := s.store.ResponseByName(ctx, titleName)
	if err != nil {
		return err
	}
	body, _, err := s.store.ResponseByName(ctx, bodyName)
	if err != nil {
		return err
	}
	return s.store.InsertLetterHistory(ctx, userID, title.ID, titleName, body.ID, bodyName)
}
