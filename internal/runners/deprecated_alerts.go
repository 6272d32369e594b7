package runners

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/endpoints"
)

// Daily send time for deprecation warnings, UTC. Mid-morning for the
// US, where most of the user base is.
const (
	deprecatedAlertsHourUTC   = 13
	deprecatedAlertsMinuteUTC = 0
)

const (
	// urgentWindow is how close to the sunset date an endpoint has to
	// be before warnings escalate from monthly to every few days.
	urgentWindow = 27 * 24 * time.Hour
	// urgentCadence is how often escalated warnings repeat.
	urgentCadence = 3 * 24 * time.Hour
)

// endpointDateFormat renders deprecation and sunset dates in letters.
const endpointDateFormat = "Jan 02, 2006"

// DeprecatedAlerts warns users who keep calling deprecated site
// endpoints. Everyone gets an initial warning, then one per calendar
// month of continued use, escalating to every three days in the final
// month before the sunset date.
type DeprecatedAlerts struct {
	deps Deps
}

// NewDeprecatedAlerts wires the deprecation-warning worker.
func NewDeprecatedAlerts(deps Deps) *DeprecatedAlerts {
	return &DeprecatedAlerts{deps: deps}
}

// Run sends at 13:00 UTC daily until cancelled.
func (w *DeprecatedAlerts) Run(ctx context.Context) error {
	return runDailyAt(ctx, w.deps.now, deprecatedAlertsHourUTC, deprecatedAlertsMinuteUTC,
		w.deps.log(), "deprecated_alerts", w.sendAll)
}

func (w *DeprecatedAlerts) sendAll(ctx context.Context) error {
	now := w.deps.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevMonthStart := monthStart.AddDate(0, -1, 0)

	passes := []struct {
		alertType string
		fetch     func(ctx context.Context) ([]endpoints.PendingAlert, error)
	}{
		{endpoints.AlertInitial, w.deps.Endpoints.MissingInitialAlerts},
		{endpoints.AlertReminder, func(ctx context.Context) ([]endpoints.PendingAlert, error) {
			return w.deps.Endpoints.MissingReminderAlerts(ctx, prevMonthStart, monthStart)
		}},
		{endpoints.AlertUrgent, func(ctx context.Context) ([]endpoints.PendingAlert, error) {
			return w.deps.Endpoints.MissingUrgentAlerts(ctx, now, urgentWindow, urgentCadence)
		}},
	}

	for _, pass := range passes {
		if err := w.sendPass(ctx, pass.alertType, pass.fetch); err != nil {
			return err
		}
	}
	return nil
}

func (w *DeprecatedAlerts) sendPass(ctx context.Context, alertType string, fetch func(ctx context.Context) ([]endpoints.PendingAlert, error)) error {
	alerts, err := fetch(ctx)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	endpointIDs := map[int64]bool{}
	for _, alert := range alerts {
		endpointIDs[alert.EndpointID] = true
	}
	ids := make([]int64, 0, len(endpointIDs))
	for id := range endpointIDs {
		ids = append(ids, id)
	}
	byID, err := w.deps.Endpoints.EndpointsByID(ctx, ids)
	if err != nil {
		return err
	}

	// alerts come back sorted by user, so grouping is a single walk.
	for start := 0; start < len(alerts); {
		end := start
		for end < len(alerts) && alerts[end].UserID == alerts[start].UserID {
			end++
		}
		if err := w.sendForUser(ctx, alertType, alerts[start:end], byID); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// sendForUser records the alerts first, then composes; a crash between
// the two drops a letter rather than repeating one forever.
func (w *DeprecatedAlerts) sendForUser(ctx context.Context, alertType string, alerts []endpoints.PendingAlert, byID map[int64]endpoints.Endpoint) error {
	if err := w.deps.Endpoints.RecordAlerts(ctx, alerts, alertType); err != nil {
		return err
	}

	username := alerts[0].Username
	params := map[string]string{
		"username":        username,
		"endpoints_table": endpointsTable(alerts, byID),
	}
	if err := w.deps.sendLetter(ctx, username, alerts[0].UserID, "deprecated_alerts_"+alertType, params); err != nil {
		return err
	}
	w.deps.log().Info("sent deprecation warning",
		"username", username, "alert_type", alertType, "endpoints", len(alerts))
	return nil
}

// endpointsTable renders the markdown table of deprecated endpoints
// the user is still calling.
func endpointsTable(alerts []endpoints.PendingAlert, byID map[int64]endpoints.Endpoint) string {
	lines := []string{
		"Endpoint | Deprecated on | Sunsets on",
		":--|:--|:--",
	}
	for _, alert := range alerts {
		e, ok := byID[alert.EndpointID]
		if !ok {
			continue
		}
		deprecatedOn, sunsetsOn := "-", "-"
		if e.DeprecatedOn != nil {
			deprecatedOn = e.DeprecatedOn.Format(endpointDateFormat)
		}
		if e.SunsetsOn != nil {
			sunsetsOn = e.SunsetsOn.Format(endpointDateFormat)
		}
		lines = append(lines, fmt.Sprintf(
			"[%s](https://redditloans.com/endpoints.html?slug=%s)|%s|%s",
			e.Slug, e.Slug, deprecatedOn, sunsetsOn))
	}
	return strings.Join(lines, "\n")
}
