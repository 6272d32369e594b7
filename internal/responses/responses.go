// Package responses loads reply templates from the responses table and
// substitutes named parameters.
//
// Templates are authored by the moderators through the website; the
// bot only reads them. Placeholders use single-brace names, e.g.
// "Hi {lender_username}, you lent {amount}.".
package responses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrTemplateNotFound is returned when no template row has the
// requested name.
var ErrTemplateNotFound = errors.New("responses: no such template")

// Store fetches templates by name.
type Store interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// PostgresStore reads templates from the responses table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the shared database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, name string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT response_body FROM responses WHERE name = $1
	`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return body, err
}

// MapStore is an in-memory template store for tests.
type MapStore map[string]string

func (s MapStore) Lookup(_ context.Context, name string) (string, error) {
	body, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return body, nil
}

// Get fetches the named template and substitutes params. Placeholders
// with no matching parameter are left untouched so a template typo is
// visible in the posted reply rather than silently swallowed.
func Get(ctx context.Context, store Store, name string, params map[string]string) (string, error) {
	body, err := store.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	return Substitute(body, params), nil
}

// Substitute replaces every {key} in body with its parameter value.
func Substitute(body string, params map[string]string) string {
	if len(params) == 0 {
		return body
	}
	pairs := make([]string, 0, 2*len(params))
	for key, value := range params {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
