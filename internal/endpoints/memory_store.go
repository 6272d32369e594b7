package endpoints

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory endpoint-usage store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64

	endpoints map[int64]Endpoint
	uses      []use

	Alerts []RecordedAlert

	// Now is the clock used for alert timestamps; tests may pin it.
	Now func() time.Time
}

type use struct {
	endpointID int64
	userID     int64
	username   string
	at         time.Time
}

// RecordedAlert is one alert the store was told was sent.
type RecordedAlert struct {
	EndpointID int64
	UserID     int64
	AlertType  string
	SentAt     time.Time
}

// NewMemoryStore creates an empty in-memory endpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, endpoints: map[int64]Endpoint{}, Now: time.Now}
}

// AddEndpoint seeds an endpoint and returns its id.
func (m *MemoryStore) AddEndpoint(e Endpoint) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID
	m.nextID++
	m.endpoints[e.ID] = e
	return e.ID
}

// RecordUse seeds one authenticated use of an endpoint.
func (m *MemoryStore) RecordUse(endpointID, userID int64, username string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uses = append(m.uses, use{endpointID: endpointID, userID: userID, username: username, at: at})
}

func (m *MemoryStore) MissingInitialAlerts(_ context.Context) ([]PendingAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(u use, lastAlert *time.Time) bool {
		e := m.endpoints[u.endpointID]
		return e.DeprecatedOn != nil && lastAlert == nil
	}), nil
}

func (m *MemoryStore) MissingReminderAlerts(_ context.Context, from, to time.Time) ([]PendingAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(u use, lastAlert *time.Time) bool {
		e := m.endpoints[u.endpointID]
		return e.DeprecatedOn != nil && lastAlert != nil &&
			u.at.After(*lastAlert) && !u.at.Before(from) && !u.at.After(to)
	}), nil
}

func (m *MemoryStore) MissingUrgentAlerts(_ context.Context, now time.Time, urgentWindow, urgentCadence time.Duration) ([]PendingAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(u use, lastAlert *time.Time) bool {
		e := m.endpoints[u.endpointID]
		if e.SunsetsOn == nil || !e.SunsetsOn.After(now) || e.SunsetsOn.After(now.Add(urgentWindow)) {
			return false
		}
		return lastAlert == nil || lastAlert.Before(now.Add(-urgentCadence))
	}), nil
}

// collect groups the qualifying uses into one PendingAlert per
// (user, endpoint) pair.
func (m *MemoryStore) collect(qualifies func(u use, lastAlert *time.Time) bool) []PendingAlert {
	type pair struct{ userID, endpointID int64 }

	lastAlerts := map[pair]*time.Time{}
	for i := range m.Alerts {
		a := m.Alerts[i]
		key := pair{a.UserID, a.EndpointID}
		if prev := lastAlerts[key]; prev == nil || a.SentAt.After(*prev) {
			sentAt := a.SentAt
			lastAlerts[key] = &sentAt
		}
	}

	grouped := map[pair]*PendingAlert{}
	for _, u := range m.uses {
		if !qualifies(u, lastAlerts[pair{u.userID, u.endpointID}]) {
			continue
		}
		key := pair{u.userID, u.endpointID}
		alert, ok := grouped[key]
		if !ok {
			alert = &PendingAlert{
				UserID: u.userID, Username: u.username, EndpointID: u.endpointID,
				FirstUseAt: u.at, LastUseAt: u.at,
			}
			grouped[key] = alert
		}
		if u.at.Before(alert.FirstUseAt) {
			alert.FirstUseAt = u.at
		}
		if u.at.After(alert.LastUseAt) {
			alert.LastUseAt = u.at
		}
		alert.UseCount++
	}

	alerts := make([]PendingAlert, 0, len(grouped))
	for _, alert := range grouped {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].UserID != alerts[j].UserID {
			return alerts[i].UserID < alerts[j].UserID
		}
		return alerts[i].EndpointID < alerts[j].EndpointID
	})
	return alerts
}

func (m *MemoryStore) EndpointsByID(_ context.Context, ids []int64) (map[int64]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := map[int64]Endpoint{}
	for _, id := range ids {
		if e, ok := m.endpoints[id]; ok {
			byID[id] = e
		}
	}
	return byID, nil
}

func (m *MemoryStore) RecordAlerts(_ context.Context, alerts []PendingAlert, alertType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range alerts {
		m.Alerts = append(m.Alerts, RecordedAlert{
			EndpointID: alert.EndpointID, UserID: alert.UserID,
			AlertType: alertType, SentAt: m.Now(),
		})
	}
	return nil
}
