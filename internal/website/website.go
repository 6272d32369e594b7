// Package website manages the slice of the website's account schema
// the bot writes to: password-authentication permissions with their
// audit trail, the moderator roster, the onboarding drip campaign, and
// per-user settings.
package website

import (
	"context"
	"time"
)

// BotUsername is the account every automated grant and revoke is
// audited against.
const BotUsername = "loansbot"

// Audit event types written to password_authentication_events.
const (
	EventPermissionGranted = "permission-granted"
	EventPermissionRevoked = "permission-revoked"
)

// Permission is one grantable website capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Moderator is one roster row, joined with the username.
type Moderator struct {
	ID       int64
	UserID   int64
	Username string
}

// OnboardingMessage is one letter of the onboarding campaign with its
// templates resolved.
type OnboardingMessage struct {
	MsgOrder  int
	TitleID   int64
	TitleName string
	Title     string
	BodyID    int64
	BodyName  string
	Body      string
}

// Settings are the per-user bot preferences. A user with no settings
// row gets the zero value.
type Settings struct {
	BorrowerReqPMOptOut  bool
	NonReqResponseOptOut bool
}

// Response is a template row referenced from letter history.
type Response struct {
	ID   int64
	Name string
	Body string
}

// Store is the persistence boundary for website account state.
type Store interface {
	FindOrCreateUser(ctx context.Context, username string) (int64, error)

	// HumanAuth returns the most recent non-deleted human
	// password authentication for the user, with found=false when the
	// user has never claimed their account.
	HumanAuth(ctx context.Context, userID int64) (authID int64, found bool, err error)
	// AuthsForUser returns every non-deleted authentication,
	// human or not.
	AuthsForUser(ctx context.Context, userID int64) ([]int64, error)

	EnsurePermission(ctx context.Context, name, description string) (int64, error)
	AllPermissions(ctx context.Context) ([]Permission, error)
	PermissionNamesOnAuth(ctx context.Context, authID int64) ([]string, error)
	// GrantPermission attaches the permission and appends a granted
	// audit event. Granting an already-held permission is a no-op that
	// writes no event.
	GrantPermission(ctx context.Context, authID, permissionID, actorUserID int64, reason string) error
	// RevokePermission detaches the permission and appends a revoked
	// audit event. Revoking an absent permission is a no-op.
	RevokePermission(ctx context.Context, authID, permissionID, actorUserID int64, reason string) error
	// DeleteAuthTokens logs the user out of every session.
	DeleteAuthTokens(ctx context.Context, userID int64) error

	IsModerator(ctx context.Context, userID int64) (bool, error)
	AddModerator(ctx context.Context, userID int64) error
	RemoveModerator(ctx context.Context, userID int64) error
	ListModerators(ctx context.Context) ([]Moderator, error)

	// MaxOnboardingOrder returns found=false when no campaign messages
	// exist.
	MaxOnboardingOrder(ctx context.Context) (order int, found bool, err error)
	// OnboardingProgress returns the last message order sent to the
	// moderator, found=false when they have received none.
	OnboardingProgress(ctx context.Context, moderatorID int64) (order int, found bool, err error)
	SetOnboardingProgress(ctx context.Context, moderatorID int64, order int, at time.Time) error
	// NextOnboardingMessage returns the first message after the given
	// order, nil when the moderator is caught up.
	NextOnboardingMessage(ctx context.Context, afterOrder int) (*OnboardingMessage, error)

	// ResponseByName returns found=false when no template row has the
	// name.
	ResponseByName(ctx context.Context, name string) (Response, bool, error)
	// InsertLetterHistory records which rendered letter a user was
	// sent. Response ids may be zero when the template rows have been
	// deleted since.
	InsertLetterHistory(ctx context.Context, userID int64, titleID int64, titleName string, bodyID int64, bodyName string) error

	UserSettings(ctx context.Context, userID int64) (Settings, error)
}
