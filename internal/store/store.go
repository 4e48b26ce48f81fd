// Package store persists recorded Scripts so they can be listed,
// reloaded, and replayed with new variable values later. Scripts are
// keyed by name: a name maps to at most one stored script, and saved
// scripts are immutable — updating one goes through delete-then-save.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devlinpx/browserflow/idgen"
	"github.com/devlinpx/browserflow/internal/action"
)

// ErrNotFound is returned when no script with the given name exists.
var ErrNotFound = errors.New("store: script not found")

// ErrDuplicateName is returned by Save when a script with the same name
// already exists.
var ErrDuplicateName = errors.New("store: script name already exists")

// Schema creates the scripts table if it doesn't already exist. The
// name column is the unique lookup key; id is an internal surrogate.
const Schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT DEFAULT '',
	start_url   TEXT DEFAULT '',
	steps       TEXT NOT NULL DEFAULT '[]',
	variables   TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// Store is the Script persistence interface consumed by the
// orchestrator and transport layers. Scripts are addressed by name.
type Store interface {
	Save(ctx context.Context, script action.Script) error
	Load(ctx context.Context, name string) (action.Script, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ScriptSummary, error)
}

// ScriptSummary is the lightweight listing view, omitting steps.
type ScriptSummary struct {
	Name        string
	Description string
	CreatedAt   time.Time
	StepCount   int
}

// SQLStore is a Store backed by a *sql.DB (SQLite via modernc.org/sqlite
// in production, an in-memory database in tests).
type SQLStore struct {
	db  *sql.DB
	gen idgen.Generator
}

// NewSQLStore wraps db, which must already have Schema applied. gen
// defaults to idgen.Default.
func NewSQLStore(db *sql.DB, gen idgen.Generator) *SQLStore {
	if gen == nil {
		gen = idgen.Default
	}
	return &SQLStore{db: db, gen: gen}
}

// Save inserts script as a new row keyed by its name. Saving a name
// that already exists fails with ErrDuplicateName; callers wanting
// update-in-place should Delete then Save.
func (s *SQLStore) Save(ctx context.Context, script action.Script) error {
	if script.Name == "" {
		return fmt.Errorf("store: script name is required")
	}
	stepsJSON, err := json.Marshal(script.Steps)
	if err != nil {
		return err
	}
	varsJSON, err := json.Marshal(script.Variables)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, name, description, start_url, steps, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.gen(), script.Name, script.Description, script.StartURL, string(stepsJSON), string(varsJSON), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %q", ErrDuplicateName, script.Name)
		}
		return err
	}
	return nil
}

// Load reads a script by name.
func (s *SQLStore) Load(ctx context.Context, name string) (action.Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, start_url, steps, variables, created_at
		FROM scripts WHERE name = ?
	`, name)

	var script action.Script
	var stepsJSON, varsJSON string
	var createdAt int64
	if err := row.Scan(&script.Name, &script.Description, &script.StartURL, &stepsJSON, &varsJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return action.Script{}, ErrNotFound
		}
		return action.Script{}, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &script.Steps); err != nil {
		return action.Script{}, err
	}
	if err := json.Unmarshal([]byte(varsJSON), &script.Variables); err != nil {
		return action.Script{}, err
	}
	script.CreatedAt = time.Unix(createdAt, 0).UTC()
	return script, nil
}

// Delete removes a script by name. Deleting a nonexistent name is not
// an error.
func (s *SQLStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE name = ?`, name)
	return err
}

// List returns every stored script's summary, most recently created
// first.
func (s *SQLStore) List(ctx context.Context) ([]ScriptSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, steps, created_at
		FROM scripts ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScriptSummary
	for rows.Next() {
		var sum ScriptSummary
		var stepsJSON string
		var createdAt int64
		if err := rows.Scan(&sum.Name, &sum.Description, &stepsJSON, &createdAt); err != nil {
			return nil, err
		}
		var steps []action.Step
		if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
			return nil, err
		}
		sum.StepCount = len(steps)
		sum.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}
