// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

// ErrBusy is returned by LaunchRun when the launch queue is full. The run's
// rows are already persisted and marked failed, so nothing dangles.
var ErrBusy = errors.New("engine is at capacity")

// stateWriteTimeout bounds the detached store writes that keep run aggregate
// state current. These must survive a cancelled run context.
const stateWriteTimeout = 5 * time.Second

// AgentRunner executes one persona agent to its terminal state, persisting
// every transition itself. The engine only provides scheduling around it.
type AgentRunner interface {
	Run(ctx context.Context, run schemas.Run, agent schemas.Agent) schemas.Agent
}

// launch is one queued unit of work: a persisted run with its pending agents.
type launch struct {
	run    schemas.Run
	agents []schemas.Agent
}

// Engine turns accepted run requests into executed runs. Each run gets its
// own goroutine; within a run, agents execute concurrently under the
// configured worker bound. Run aggregate state is recomputed from the stored
// agent rows after every agent termination.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	store  schemas.Store
	runner AgentRunner

	launches chan launch
	wg       sync.WaitGroup

	// stateLock protects the running flag against re-entrant Start calls.
	stateLock sync.Mutex
	isRunning bool
}

// New wires the engine. Dependencies arrive as interfaces so tests can
// substitute a scripted runner and an in-memory store.
func New(cfg *config.Config, logger *zap.Logger, store schemas.Store, runner AgentRunner) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if logger == nil {
		return nil, errors.New("engine: logger is required")
	}
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if runner == nil {
		return nil, errors.New("engine: agent runner is required")
	}

	queueSize := cfg.Engine.RunQueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "engine")),
		store:    store,
		runner:   runner,
		launches: make(chan launch, queueSize),
	}, nil
}

// Start launches the dispatcher. Runs queued before Start are picked up once
// it is called. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called while already running")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	e.logger.Info("Starting run engine",
		zap.Int("worker_concurrency", e.concurrency()),
		zap.Int("queue_size", cap(e.launches)),
	)
	e.wg.Add(1)
	go e.dispatch(ctx)
}

// Stop blocks until the dispatcher and every in-flight run have finished.
// Callers cancel the context passed to Start first; agents notice at their
// next step boundary.
func (e *Engine) Stop() {
	e.logger.Info("Stopping run engine, waiting for in-flight runs")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Run engine stopped")
}

// LaunchRun validates the request, persists the run and its pending agents,
// and queues the launch. The returned run ID is immediately readable through
// the store even though execution starts asynchronously.
func (e *Engine) LaunchRun(ctx context.Context, req schemas.RunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if len(e.launches) == cap(e.launches) {
		return "", ErrBusy
	}

	budget := req.StepBudget
	if budget <= 0 {
		budget = e.cfg.Agent.StepBudget
	}
	run := schemas.Run{
		ID:            uuid.NewString(),
		URL:           req.URL,
		UXQuestion:    req.UXQuestion,
		StartSelector: req.StartSelector,
		Viewport:      req.Viewport,
		StepBudget:    budget,
		State:         schemas.RunPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, &run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	agents := make([]schemas.Agent, 0, len(req.Personas))
	for _, p := range req.Personas {
		ag := schemas.Agent{
			ID:      uuid.NewString(),
			RunID:   run.ID,
			Persona: p,
			Status:  schemas.AgentPending,
		}
		if err := e.store.CreateAgent(ctx, &ag); err != nil {
			return "", fmt.Errorf("create agent for persona %q: %w", p.Name, err)
		}
		agents = append(agents, ag)
	}

	select {
	case e.launches <- launch{run: run, agents: agents}:
		e.logger.Info("Run queued",
			zap.String("run_id", run.ID),
			zap.String("url", run.URL),
			zap.Int("personas", len(agents)),
		)
		return run.ID, nil
	default:
		// The queue filled between the capacity check and the send. The
		// rows exist, so close them out instead of leaving them pending.
		e.logger.Warn("Run queue full, abandoning launch", zap.String("run_id", run.ID))
		e.abandon(launch{run: run, agents: agents})
		return "", ErrBusy
	}
}

// dispatch consumes queued launches until the context ends. Each run
// executes on its own goroutine; agents inside it share the worker bound.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	e.logger.Debug("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Dispatcher shutting down", zap.Error(ctx.Err()))
			e.drain()
			return
		case l, ok := <-e.launches:
			if !ok {
				return
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.executeRun(ctx, l)
			}()
		}
	}
}

// drain closes out launches that never got to execute because the engine is
// shutting down. Their agents become failed terminals so no run dangles.
func (e *Engine) drain() {
	for {
		select {
		case l := <-e.launches:
			e.logger.Warn("Abandoning queued run on shutdown", zap.String("run_id", l.run.ID))
			e.abandon(l)
		default:
			return
		}
	}
}

func (e *Engine) executeRun(ctx context.Context, l launch) {
	log := e.logger.With(zap.String("run_id", l.run.ID))
	if ctx.Err() != nil {
		e.abandon(l)
		return
	}

	log.Info("Run starting", zap.Int("agents", len(l.agents)), zap.String("url", l.run.URL))
	if err := e.updateRunState(l.run.ID, schemas.RunRunning); err != nil {
		log.Error("Failed to mark run running", zap.Error(err))
	}

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency())
	for _, ag := range l.agents {
		ag := ag
		g.Go(func() error {
			e.runAgent(ctx, l.run, ag, log)
			return nil
		})
	}
	_ = g.Wait()

	state := e.refreshRunState(l.run.ID, log)
	log.Info("Run finished", zap.String("state", string(state)))
}

func (e *Engine) runAgent(ctx context.Context, run schemas.Run, ag schemas.Agent, log *zap.Logger) {
	actx := ctx
	if timeout := e.cfg.Engine.AgentTimeout; timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	final := e.runner.Run(actx, run, ag)
	log.Debug("Agent terminated",
		zap.String("agent_id", final.ID),
		zap.String("status", string(final.Status)),
	)

	// Keep the aggregate fresh so dashboard polls see failures as they
	// happen, not when the whole run ends.
	e.refreshRunState(run.ID, log)
}

// abandon marks a launch's still-pending agents failed and settles the run
// aggregate. Used when a launch can no longer execute.
func (e *Engine) abandon(l launch) {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	ended := time.Now().UTC()
	for i := range l.agents {
		ag := l.agents[i]
		if ag.Status.Terminal() {
			continue
		}
		ag.Status = schemas.AgentFailed
		ag.EndedAt = &ended
		if err := e.store.UpdateAgent(ctx, &ag); err != nil {
			e.logger.Error("Failed to fail abandoned agent",
				zap.String("agent_id", ag.ID), zap.Error(err))
		}
	}
	e.refreshRunState(l.run.ID, e.logger)
}

// refreshRunState recomputes the run aggregate from the stored agent rows
// and persists it. It runs on a detached context so terminal bookkeeping
// survives run cancellation.
func (e *Engine) refreshRunState(runID string, log *zap.Logger) schemas.RunState {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	agents, err := e.store.ListAgentsByRun(ctx, runID)
	if err != nil {
		log.Error("Failed to list agents for run state refresh", zap.Error(err))
		return ""
	}
	state := schemas.DeriveRunState(agents)
	if err := e.store.UpdateRunState(ctx, runID, state); err != nil {
		log.Error("Failed to persist run state", zap.String("state", string(state)), zap.Error(err))
	}
	return state
}

func (e *Engine) updateRunState(runID string, state schemas.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	return e.store.UpdateRunState(ctx, runID, state)
}

func (e *Engine) concurrency() int {
	if c := e.cfg.Engine.WorkerConcurrency; c > 0 {
		return c
	}
	return 3
}
