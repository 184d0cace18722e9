package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
)

// sqliteSchema mirrors the postgres schema with SQLite column types. The
// TIMESTAMP declarations matter: the driver only converts those columns back
// into time.Time on scan.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		ux_question TEXT NOT NULL,
		start_selector TEXT NOT NULL DEFAULT '',
		viewport TEXT NOT NULL DEFAULT '',
		step_budget INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
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
		started_at TIMESTAMP,
		ended_at TIMESTAMP
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
		bug_detected BOOLEAN NOT NULL DEFAULT 0,
		bug_type TEXT NOT NULL DEFAULT '',
		bug_description TEXT NOT NULL DEFAULT '',
		screenshot TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (agent_id, step)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id)`,
}

// SQLite is the single-node Store implementation backed by mattn/go-sqlite3.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (creating parent directories as needed) and migrates the
// database at path. An empty path or ":memory:" yields an in-memory database
// that lives until Close.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	dsn := "file::memory:?_foreign_keys=on"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers ahead of SQLITE_BUSY and pins the
	// in-memory variant to a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLite{
		db:  db,
		log: logger.Named("store"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback migration transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}

func isSQLiteDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLite) CreateRun(ctx context.Context, run *schemas.Run) error {
	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.URL, run.UXQuestion, run.StartSelector, run.Viewport,
		run.StepBudget, string(run.State), run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]schemas.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, listLimit(limit))
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

func (s *SQLite) UpdateRunState(ctx context.Context, runID string, state schemas.RunState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, string(state), runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLite) CreateAgent(ctx context.Context, agent *schemas.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.RunID, agent.Persona.Name, agent.Persona.Bio, agent.Persona.Age,
		string(agent.Status), string(agent.FinishReason), string(agent.OverallSentiment),
		utcOrNil(agent.StartedAt), utcOrNil(agent.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, agentID string) (*schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY run_id, persona_name, id`
	return s.queryAgents(ctx, query)
}

func (s *SQLite) ListAgentsByRun(ctx context.Context, runID string) ([]schemas.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE run_id = ? ORDER BY persona_name, id`
	return s.queryAgents(ctx, query, runID)
}

func (s *SQLite) queryAgents(ctx context.Context, query string, args ...interface{}) ([]schemas.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) UpdateAgent(ctx context.Context, agent *schemas.Agent) error {
	query := `UPDATE agents
		SET status = ?, finish_reason = ?, overall_sentiment = ?, started_at = ?, ended_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(agent.Status), string(agent.FinishReason), string(agent.OverallSentiment),
		utcOrNil(agent.StartedAt), utcOrNil(agent.EndedAt), agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLite) AppendInteraction(ctx context.Context, inter *schemas.Interaction) error {
	query := `INSERT INTO interactions (` + interactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		inter.ID, inter.AgentID, inter.Step, inter.Intent, string(inter.ActionType),
		inter.Selector, inter.Value, inter.Result, inter.Thought, string(inter.Sentiment),
		inter.BugDetected, string(inter.BugType), inter.BugDescription, inter.Screenshot,
		inter.CreatedAt.UTC())
	if err != nil {
		if isSQLiteDuplicate(err) {
			return fmt.Errorf("agent %s step %d: %w", inter.AgentID, inter.Step, ErrDuplicateStep)
		}
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (s *SQLite) GetInteraction(ctx context.Context, interactionID string) (*schemas.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = ?`
	inter, err := scanInteraction(s.db.QueryRowContext(ctx, query, interactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return inter, nil
}

func (s *SQLite) ListInteractions(ctx context.Context, limit int) ([]schemas.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions ORDER BY created_at DESC, id LIMIT ?`
	return s.queryInteractions(ctx, query, listLimit(limit))
}

func (s *SQLite) ListInteractionsByAgent(ctx context.Context, agentID string) ([]schemas.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE agent_id = ? ORDER BY step ASC`
	return s.queryInteractions(ctx, query, agentID)
}

func (s *SQLite) queryInteractions(ctx context.Context, query string, args ...interface{}) ([]schemas.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) Close() error {
	return s.db.Close()
}

// requireAffected maps a zero-row update to ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
