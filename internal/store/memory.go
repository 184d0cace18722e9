package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/archetype-hq/archetype/api/schemas"
)

// Memory is a map-backed Store for tests and ephemeral runs. It enforces the
// same referential and append-only rules as the SQL backends so callers see
// one contract.
type Memory struct {
	mu           sync.RWMutex
	runs         map[string]schemas.Run
	agents       map[string]schemas.Agent
	interactions map[string]schemas.Interaction
	// steps indexes interaction IDs by (agent, step) for duplicate checks.
	steps map[string]map[int]string
}

func NewMemory() *Memory {
	return &Memory{
		runs:         make(map[string]schemas.Run),
		agents:       make(map[string]schemas.Agent),
		interactions: make(map[string]schemas.Interaction),
		steps:        make(map[string]map[int]string),
	}
}

// copyAgent detaches the timestamp pointers so neither side can mutate the
// other's copy.
func copyAgent(a schemas.Agent) schemas.Agent {
	a.StartedAt = utcOrNil(a.StartedAt)
	a.EndedAt = utcOrNil(a.EndedAt)
	return a
}

func (m *Memory) CreateRun(ctx context.Context, run *schemas.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("failed to insert run: id %q already exists", run.ID)
	}
	stored := *run
	stored.CreatedAt = run.CreatedAt.UTC()
	m.runs[run.ID] = stored
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]schemas.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]schemas.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if n := listLimit(limit); len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

func (m *Memory) UpdateRunState(ctx context.Context, runID string, state schemas.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.State = state
	m.runs[runID] = run
	return nil
}

func (m *Memory) CreateAgent(ctx context.Context, agent *schemas.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return fmt.Errorf("failed to insert agent: id %q already exists", agent.ID)
	}
	if _, ok := m.runs[agent.RunID]; !ok {
		return fmt.Errorf("failed to insert agent: run %q does not exist", agent.RunID)
	}
	m.agents[agent.ID] = copyAgent(*agent)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (*schemas.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyAgent(agent)
	return &out, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]schemas.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectAgents(func(schemas.Agent) bool { return true }), nil
}

func (m *Memory) ListAgentsByRun(ctx context.Context, runID string) ([]schemas.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectAgents(func(a schemas.Agent) bool { return a.RunID == runID }), nil
}

// collectAgents snapshots matching agents in (run, persona, id) order. Caller
// holds at least the read lock.
func (m *Memory) collectAgents(keep func(schemas.Agent) bool) []schemas.Agent {
	var agents []schemas.Agent
	for _, agent := range m.agents {
		if keep(agent) {
			agents = append(agents, copyAgent(agent))
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RunID != agents[j].RunID {
			return agents[i].RunID < agents[j].RunID
		}
		if agents[i].Persona.Name != agents[j].Persona.Name {
			return agents[i].Persona.Name < agents[j].Persona.Name
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

func (m *Memory) UpdateAgent(ctx context.Context, agent *schemas.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	current.Status = agent.Status
	current.FinishReason = agent.FinishReason
	current.OverallSentiment = agent.OverallSentiment
	current.StartedAt = utcOrNil(agent.StartedAt)
	current.EndedAt = utcOrNil(agent.EndedAt)
	m.agents[agent.ID] = current
	return nil
}

func (m *Memory) AppendInteraction(ctx context.Context, inter *schemas.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.interactions[inter.ID]; exists {
		return fmt.Errorf("failed to insert interaction: id %q already exists", inter.ID)
	}
	if _, ok := m.agents[inter.AgentID]; !ok {
		return fmt.Errorf("failed to insert interaction: agent %q does not exist", inter.AgentID)
	}
	bySteps := m.steps[inter.AgentID]
	if bySteps == nil {
		bySteps = make(map[int]string)
		m.steps[inter.AgentID] = bySteps
	}
	if _, taken := bySteps[inter.Step]; taken {
		return fmt.Errorf("agent %s step %d: %w", inter.AgentID, inter.Step, ErrDuplicateStep)
	}

	stored := *inter
	stored.CreatedAt = inter.CreatedAt.UTC()
	m.interactions[inter.ID] = stored
	bySteps[inter.Step] = inter.ID
	return nil
}

func (m *Memory) GetInteraction(ctx context.Context, interactionID string) (*schemas.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inter, ok := m.interactions[interactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &inter, nil
}

func (m *Memory) ListInteractions(ctx context.Context, limit int) ([]schemas.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inters := make([]schemas.Interaction, 0, len(m.interactions))
	for _, inter := range m.interactions {
		inters = append(inters, inter)
	}
	sort.Slice(inters, func(i, j int) bool {
		if !inters[i].CreatedAt.Equal(inters[j].CreatedAt) {
			return inters[i].CreatedAt.After(inters[j].CreatedAt)
		}
		return inters[i].ID < inters[j].ID
	})
	if n := listLimit(limit); len(inters) > n {
		inters = inters[:n]
	}
	return inters, nil
}

func (m *Memory) ListInteractionsByAgent(ctx context.Context, agentID string) ([]schemas.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var inters []schemas.Interaction
	for _, inter := range m.interactions {
		if inter.AgentID == agentID {
			inters = append(inters, inter)
		}
	}
	sort.Slice(inters, func(i, j int) bool { return inters[i].Step < inters[j].Step })
	return inters, nil
}

func (m *Memory) Close() error {
	return nil
}
