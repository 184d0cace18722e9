// Package store persists runs, agents and interaction transcripts behind the
// schemas.Store interface. Three backends share one contract: PostgreSQL via
// pgx for shared deployments, SQLite for single-node installs, and an
// in-memory map for tests and ephemeral use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

var (
	// ErrNotFound is returned for lookups and updates of unknown IDs,
	// regardless of backend.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateStep is returned when an interaction with the same
	// (agent_id, step) key already exists. Transcripts are append-only.
	ErrDuplicateStep = errors.New("duplicate interaction step")
)

// defaultListLimit caps list queries when the caller passes no limit.
const defaultListLimit = 50

// Open builds the Store backend selected by storage.driver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgres(ctx, pool, logger)
	case "sqlite":
		return NewSQLite(ctx, cfg.Storage.SQLitePath, logger)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Column orders shared by the SQL backends; the scanners below depend on
// them.
const (
	runColumns         = `id, url, ux_question, start_selector, viewport, step_budget, state, created_at`
	agentColumns       = `id, run_id, persona_name, persona_bio, persona_age, status, finish_reason, overall_sentiment, started_at, ended_at`
	interactionColumns = `id, agent_id, step, intent, action_type, selector, value, result, thought, sentiment, bug_detected, bug_type, bug_description, screenshot, created_at`
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schemas.Run, error) {
	var r schemas.Run
	var state string
	if err := row.Scan(&r.ID, &r.URL, &r.UXQuestion, &r.StartSelector, &r.Viewport,
		&r.StepBudget, &state, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.State = schemas.RunState(state)
	return &r, nil
}

func scanAgent(row rowScanner) (*schemas.Agent, error) {
	var a schemas.Agent
	var status, finishReason, sentiment string
	if err := row.Scan(&a.ID, &a.RunID, &a.Persona.Name, &a.Persona.Bio, &a.Persona.Age,
		&status, &finishReason, &sentiment, &a.StartedAt, &a.EndedAt); err != nil {
		return nil, err
	}
	a.Status = schemas.AgentStatus(status)
	a.FinishReason = schemas.FinishReason(finishReason)
	a.OverallSentiment = schemas.Sentiment(sentiment)
	return &a, nil
}

func scanInteraction(row rowScanner) (*schemas.Interaction, error) {
	var it schemas.Interaction
	var actionType, sentiment, bugType string
	if err := row.Scan(&it.ID, &it.AgentID, &it.Step, &it.Intent, &actionType,
		&it.Selector, &it.Value, &it.Result, &it.Thought, &sentiment,
		&it.BugDetected, &bugType, &it.BugDescription, &it.Screenshot,
		&it.CreatedAt); err != nil {
		return nil, err
	}
	it.ActionType = schemas.ActionType(actionType)
	it.Sentiment = schemas.Sentiment(sentiment)
	it.BugType = schemas.BugType(bugType)
	return &it, nil
}

// utcOrNil normalizes an optional timestamp to UTC before insertion.
func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
