// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/archetype-hq/archetype/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls. It honors context
// cancellation before consulting the configured expectations, matching the
// real client's behavior.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Planner Mock --

// MockPlanner mocks the schemas.Planner interface.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, req schemas.PlanRequest) (schemas.PlanOutput, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return schemas.PlanOutput{}, args.Error(1)
	}
	return args.Get(0).(schemas.PlanOutput), args.Error(1)
}

// -- Session Context Mock --

// MockSessionContext implements the schemas.SessionContext interface for testing.
type MockSessionContext struct {
	mock.Mock
}

func (m *MockSessionContext) ID() string { return m.Called().String(0) }

func (m *MockSessionContext) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockSessionContext) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockSessionContext) Fill(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockSessionContext) ScrollPage(ctx context.Context, direction string) error {
	return m.Called(ctx, direction).Error(0)
}

func (m *MockSessionContext) WaitForAsync(ctx context.Context, milliseconds int) error {
	return m.Called(ctx, milliseconds).Error(0)
}

func (m *MockSessionContext) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSessionContext) OuterHTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSessionContext) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSessionContext) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSessionContext) ExecuteScript(ctx context.Context, script string, scriptArgs []interface{}) (json.RawMessage, error) {
	args := m.Called(ctx, script, scriptArgs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

// -- Browser Manager Mock --

// MockBrowserManager mocks the schemas.BrowserManager interface.
type MockBrowserManager struct {
	mock.Mock
}

func (m *MockBrowserManager) NewSession(ctx context.Context, viewport schemas.Viewport) (schemas.SessionContext, error) {
	args := m.Called(ctx, viewport)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(schemas.SessionContext), args.Error(1)
}

func (m *MockBrowserManager) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Store Mock --

// MockStore mocks the schemas.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRun(ctx context.Context, run *schemas.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockStore) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Run), args.Error(1)
}

func (m *MockStore) ListRuns(ctx context.Context, limit int) ([]schemas.Run, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Run), args.Error(1)
}

func (m *MockStore) UpdateRunState(ctx context.Context, runID string, state schemas.RunState) error {
	return m.Called(ctx, runID, state).Error(0)
}

func (m *MockStore) CreateAgent(ctx context.Context, agent *schemas.Agent) error {
	return m.Called(ctx, agent).Error(0)
}

func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*schemas.Agent, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Agent), args.Error(1)
}

func (m *MockStore) ListAgents(ctx context.Context) ([]schemas.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Agent), args.Error(1)
}

func (m *MockStore) ListAgentsByRun(ctx context.Context, runID string) ([]schemas.Agent, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Agent), args.Error(1)
}

func (m *MockStore) UpdateAgent(ctx context.Context, agent *schemas.Agent) error {
	return m.Called(ctx, agent).Error(0)
}

func (m *MockStore) AppendInteraction(ctx context.Context, inter *schemas.Interaction) error {
	return m.Called(ctx, inter).Error(0)
}

func (m *MockStore) GetInteraction(ctx context.Context, interactionID string) (*schemas.Interaction, error) {
	args := m.Called(ctx, interactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Interaction), args.Error(1)
}

func (m *MockStore) ListInteractions(ctx context.Context, limit int) ([]schemas.Interaction, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Interaction), args.Error(1)
}

func (m *MockStore) ListInteractionsByAgent(ctx context.Context, agentID string) ([]schemas.Interaction, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Interaction), args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// -- Events Mock --

// MockEvents mocks the schemas.Events interface.
type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) AgentTransition(agent schemas.Agent) {
	m.Called(agent)
}

func (m *MockEvents) StepAppended(inter schemas.Interaction) {
	m.Called(inter)
}

// Static interface compliance checks.
var (
	_ schemas.LLMClient      = (*MockLLMClient)(nil)
	_ schemas.Planner        = (*MockPlanner)(nil)
	_ schemas.SessionContext = (*MockSessionContext)(nil)
	_ schemas.BrowserManager = (*MockBrowserManager)(nil)
	_ schemas.Store          = (*MockStore)(nil)
	_ schemas.Events         = (*MockEvents)(nil)
)
