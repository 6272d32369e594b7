// Package endpoints tracks the site's API endpoints and who uses them,
// so users of deprecated endpoints can be warned before the sunset
// date.
package endpoints

import (
	"context"
	"time"
)

// Alert types recorded in endpoint_alerts.
const (
	AlertInitial  = "initial"
	AlertReminder = "reminder"
	AlertUrgent   = "urgent"
)

// Endpoint is one tracked API endpoint. DeprecatedOn and SunsetsOn are
// nil while the endpoint is current.
type Endpoint struct {
	ID           int64
	Slug         string
	Path         string
	Verb         string
	Description  string
	DeprecatedOn *time.Time
	SunsetsOn    *time.Time
}

// PendingAlert is one (user, endpoint) pair that is owed a deprecation
// warning, with the usage that earned it.
type PendingAlert struct {
	UserID     int64
	Username   string
	EndpointID int64
	FirstUseAt time.Time
	LastUseAt  time.Time
	UseCount   int64
}

// Store is the persistence boundary for endpoint usage and alerts.
type Store interface {
	// MissingInitialAlerts returns pairs that used a deprecated
	// endpoint but were never alerted about it, ordered by user.
	MissingInitialAlerts(ctx context.Context) ([]PendingAlert, error)

	// MissingReminderAlerts returns already-alerted pairs with fresh
	// usage inside [from, to] that postdates their last alert. The
	// window is normally the previous calendar month.
	MissingReminderAlerts(ctx context.Context, from, to time.Time) ([]PendingAlert, error)

	// MissingUrgentAlerts returns pairs whose endpoint sunsets within
	// urgentWindow of now and whose last alert (if any) is older than
	// urgentCadence.
	MissingUrgentAlerts(ctx context.Context, now time.Time, urgentWindow, urgentCadence time.Duration) ([]PendingAlert, error)

	// EndpointsByID fetches the endpoints referenced by a batch of
	// pending alerts.
	EndpointsByID(ctx context.Context, ids []int64) (map[int64]Endpoint, error)

	// RecordAlerts marks every pair as alerted with the given type, so
	// the next scan does not pick it up again.
	RecordAlerts(ctx context.Context, alerts []PendingAlert, alertType string) error
}
