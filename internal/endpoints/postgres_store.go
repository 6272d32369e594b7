package endpoints

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists usage and alert state in the endpoints,
// endpoint_users, and endpoint_alerts tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the shared database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) MissingInitialAlerts(ctx context.Context) ([]PendingAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT eu.user_id, u.username, eu.endpoint_id,
			MIN(eu.created_at), MAX(eu.created_at), COUNT(eu.id)
		FROM endpoint_users eu
		JOIN users u ON u.id = eu.user_id
		JOIN endpoints e ON e.id = eu.endpoint_id
		WHERE eu.user_id IS NOT NULL
			AND e.deprecated_on IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM endpoint_alerts ea
				WHERE ea.endpoint_id = eu.endpoint_id AND ea.user_id = eu.user_id
			)
		GROUP BY eu.user_id, u.username, eu.endpoint_id
		ORDER BY eu.user_id, eu.endpoint_id
	`)
	if err != nil {
		return nil, fmt.Errorf("select missing initial alerts: %w", err)
	}
	return scanPendingAlerts(rows)
}

func (s *PostgresStore) MissingReminderAlerts(ctx context.Context, from, to time.Time) ([]PendingAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH last_alerts AS (
			SELECT endpoint_id, user_id, MAX(sent_at) AS max_sent_at
			FROM endpoint_alerts
			GROUP BY endpoint_id, user_id
		)
		SELECT eu.user_id, u.username, eu.endpoint_id,
			MIN(eu.created_at), MAX(eu.created_at), COUNT(eu.id)
		FROM endpoint_users eu
		JOIN last_alerts la
			ON la.endpoint_id = eu.endpoint_id AND la.user_id = eu.user_id
		JOIN users u ON u.id = eu.user_id
		JOIN endpoints e ON e.id = eu.endpoint_id
		WHERE e.deprecated_on IS NOT NULL
			AND eu.created_at > la.max_sent_at
			AND eu.created_at >= $1 AND eu.created_at <= $2
		GROUP BY eu.user_id, u.username, eu.endpoint_id
		ORDER BY eu.user_id, eu.endpoint_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("select missing reminder alerts: %w", err)
	}
	return scanPendingAlerts(rows)
}

func (s *PostgresStore) MissingUrgentAlerts(ctx context.Context, now time.Time, urgentWindow, urgentCadence time.Duration) ([]PendingAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH last_alerts AS (
			SELECT endpoint_id, user_id, MAX(sent_at) AS max_sent_at
			FROM endpoint_alerts
			GROUP BY endpoint_id, user_id
		)
		SELECT eu.user_id, u.username, eu.endpoint_id,
			MIN(eu.created_at), MAX(eu.created_at), COUNT(eu.id)
		FROM endpoint_users eu
		JOIN users u ON u.id = eu.user_id
		JOIN endpoints e ON e.id = eu.endpoint_id
		LEFT JOIN last_alerts la
			ON la.endpoint_id = eu.endpoint_id AND la.user_id = eu.user_id
		WHERE eu.user_id IS NOT NULL
			AND e.sunsets_on IS NOT NULL
			AND e.sunsets_on > $1
			AND e.sunsets_on <= $2
			AND (la.max_sent_at IS NULL OR la.max_sent_at < $3)
		GROUP BY eu.user_id, u.username, eu.endpoint_id
		ORDER BY eu.user_id, eu.endpoint_id
	`, now, now.Add(urgentWindow), now.Add(-urgentCadence))
	if err != nil {
		return nil, fmt.Errorf("select missing urgent alerts: %w", err)
	}
	return scanPendingAlerts(rows)
}

func (s *PostgresStore) EndpointsByID(ctx context.Context, ids []int64) (map[int64]Endpoint, error) {
	byID := map[int64]Endpoint{}
	if len(ids) == 0 {
		return byID, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, path, verb, description, deprecated_on, sunsets_on
		FROM endpoints WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select endpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Endpoint
		err := rows.Scan(&e.ID, &e.Slug, &e.Path, &e.Verb, &e.Description,
			&e.DeprecatedOn, &e.SunsetsOn)
		if err != nil {
			return nil, err
		}
		byID[e.ID] = e
	}
	return byID, rows.Err()
}

func (s *PostgresStore) RecordAlerts(ctx context.Context, alerts []PendingAlert, alertType string) error {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, alert := range alerts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO endpoint_alerts (endpoint_id, user_id, alert_type)
			VALUES ($1, $2, $3)
		`, alert.EndpointID, alert.UserID, alertType)
		if err != nil {
			return fmt.Errorf("insert endpoint alert: %w", err)
		}
	}
	return tx.Commit()
}

func scanPendingAlerts(rows *sql.Rows) ([]PendingAlert, error) {
	defer rows.Close()

	var alerts []PendingAlert
	for rows.Next() {
		var a PendingAlert
		err := rows.Scan(&a.UserID, &a.Username, &a.EndpointID,
			&a.FirstUseAt, &a.LastUseAt, &a.UseCount)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
