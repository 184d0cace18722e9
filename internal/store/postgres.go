package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// postgresSchema is applied statement by statement inside one transaction on
// startup. Every statement is idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		ux_question TEXT NOT NULL,
		start_selector TEXT NOT NULL DEFAULT '',
		viewport TEXT NOT NULL DEFAULT '',
		step_budget INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		persona_name TEXT NOT NULL,
		persona_bio TEXT NOT NULL,
		persona_age INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		finish_reason TEXT NOT NULL DEFAULT '',
		overall_sentiment TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_run ON agents(run_id)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		step INTEGER NOT NULL,
		intent TEXT NOT NULL,
		action_type TEXT NOT NULL,
		selector TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		thought TEXT NOT NULL DEFAULT '',
		sentiment TEXT NOT NULL DEFAULT '',
		bug_detected BOOLEAN NOT NULL DEFAULT FALSE,
		bug_type TEXT NOT NULL DEFAULT '',
		bug_description TEXT NOT NULL DEFAULT '',
		screenshot TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (agent_id, step)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id)`,
}

// Postgres is the pgx-backed Store implementation.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies the connection and applies the schema before returning
// the store.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; anything
		// else is worth surfacing.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback migration transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is the server rejecting a duplicate
// key (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) CreateRun(ctx context.Context, run *schemas.Run) error {
	query := `INSERT INTO runs (` + runColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.URL, run.UXQuestion, run.StartSelector, run.Viewport,
		run.StepBudget, string(run.State), run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]schemas.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id LIMIT $1`
	rows, err := s.pool.Query(ctx, query, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during run iteration: %w", err)
	}
	return runs, nil
}

func (s *Postgres) UpdateRunState(ctx context.Context, runID string, state schemas.RunState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET state = $1 WHERE id = $2`, string(state), runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateAgent(ctx context.Context, agent *schemas.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		agent.ID, agent.RunID, agent.Persona.Name, agent.Persona.Bio, agent.Persona.Age,
		string(agent.Status), string(agent.FinishReason), string(agent.OverallSentiment),
		utcOrNil(agent.StartedAt), utcOrNil(agent.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, agentID string) (*schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	agent, err := scanAgent(s.pool.QueryRow(ctx, query, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *Postgres) ListAgents(ctx context.Context) ([]schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY run_id, persona_name, id`
	return s.queryAgents(ctx, query)
}

func (s *Postgres) ListAgentsByRun(ctx context.Context, runID string) ([]schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE run_id = $1 ORDER BY persona_name, id`
	return s.queryAgents(ctx, query, runID)
}

func (s *Postgres) queryAgents(ctx context.Context, query string, args ...interface{}) ([]schemas.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []schemas.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during agent iteration: %w", err)
	}
	return agents, nil
}

func (s *Postgres) UpdateAgent(ctx context.Context, agent *schemas.Agent) error {
	query := `UPDATE agents
		SET status = $1, finish_reason = $2, overall_sentiment = $3, started_at = $4, ended_at = $5
		WHERE id = $6`
	tag, err := s.pool.Exec(ctx, query,
		string(agent.Status), string(agent.FinishReason), string(agent.OverallSentiment),
		utcOrNil(agent.StartedAt), utcOrNil(agent.EndedAt), agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendInteraction(ctx context.Context, inter *schemas.Interaction) error {
	query := `INSERT INTO interactions (` + interactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.pool.Exec(ctx, query,
		inter.ID, inter.AgentID, inter.Step, inter.Intent, string(inter.ActionType),
		inter.Selector, inter.Value, inter.Result, inter.Thought, string(inter.Sentiment),
		inter.BugDetected, string(inter.BugType), inter.BugDescription, inter.Screenshot,
		inter.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %s step %d: %w", inter.AgentID, inter.Step, ErrDuplicateStep)
		}
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (s *Postgres) GetInteraction(ctx context.Context, interactionID string) (*schemas.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = $1`
	inter, err := scanInteraction(s.pool.QueryRow(ctx, query, interactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return inter, nil
}

func (s *Postgres) ListInteractions(ctx context.Context, limit int) ([]schemas.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions ORDER BY created_at DESC, id LIMIT $1`
	return s.queryInteractions(ctx, query, listLimit(limit))
}

func (s *Postgres) ListInteractionsByAgent(ctx context.Context, agentID string) ([]schemas.Interaction, error) {
	// Transcript order, not recency.
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE agent_id = $1 ORDER BY step ASC`
	return s.queryInteractions(ctx, query, agentID)
}

func (s *Postgres) queryInteractions(ctx context.Context, query string, args ...interface{}) ([]schemas.Interaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var inters []schemas.Interaction
	for rows.Next() {
		inter, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		inters = append(inters, *inter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during interaction iteration: %w", err)
	}
	return inters, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
