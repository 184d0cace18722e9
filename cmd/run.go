// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/observability"
)

// runPollInterval is how often the one-shot command checks the run state.
const runPollInterval = 500 * time.Millisecond

// newRunCmd creates the `run` command: launch one run from the command line,
// stream progress, print the transcript and exit non-zero on failure.
func newRunCmd() *cobra.Command {
	var (
		targetURL     string
		question      string
		personas      []string
		viewport      string
		steps         int
		startSelector string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run persona agents against one URL and print the transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			out := cmd.OutOrStdout()

			parsed, err := parsePersonas(personas)
			if err != nil {
				return err
			}
			req := schemas.RunRequest{
				URL:           targetURL,
				UXQuestion:    question,
				Personas:      parsed,
				Viewport:      viewport,
				StartSelector: startSelector,
				StepBudget:    steps,
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid run request: %w", err)
			}

			components, err := componentFactory.Build(ctx, cfg, logger, newProgressPrinter(out))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			components.Engine.Start(ctx)

			runID, err := components.Engine.LaunchRun(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to launch run: %w", err)
			}
			fmt.Fprintf(out, "Run %s launched against %s\n", runID, req.URL)

			run, err := waitForRun(ctx, components.Store, runID)
			if err != nil {
				return err
			}

			agents, err := components.Store.ListAgentsByRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to load agents: %w", err)
			}
			if err := printTranscript(ctx, out, components.Store, run, agents); err != nil {
				return err
			}

			if run.State == schemas.RunFailed {
				return fmt.Errorf("run %s finished with failed agents", runID)
			}
			return nil
		},
	}

	runCmd.Flags().StringVar(&targetURL, "url", "", "Target URL to explore (required)")
	runCmd.Flags().StringVar(&question, "question", "", "UX question the personas should answer (required)")
	runCmd.Flags().StringArrayVar(&personas, "personas", nil, `Persona as "Name:Bio"; repeatable (required)`)
	runCmd.Flags().StringVar(&viewport, "viewport", "", `Viewport: "desktop" or "mobile"`)
	runCmd.Flags().IntVar(&steps, "steps", 0, "Step budget per agent (0 uses agent.step_budget)")
	runCmd.Flags().StringVar(&startSelector, "start-selector", "", "CSS selector clicked once after landing")
	_ = runCmd.MarkFlagRequired("url")
	_ = runCmd.MarkFlagRequired("question")
	_ = runCmd.MarkFlagRequired("personas")

	return runCmd
}

// parsePersonas turns repeated "Name:Bio" flags into persona structs.
func parsePersonas(raw []string) ([]schemas.Persona, error) {
	personas := make([]schemas.Persona, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 2)
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("invalid persona %q: expected \"Name:Bio\"", entry)
		}
		p := schemas.Persona{Name: name}
		if len(parts) == 2 {
			p.Bio = strings.TrimSpace(parts[1])
		}
		personas = append(personas, p)
	}
	return personas, nil
}

// waitForRun polls the store until the run reaches a terminal state.
func waitForRun(ctx context.Context, st schemas.Store, runID string) (*schemas.Run, error) {
	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run aborted: %w", ctx.Err())
		case <-ticker.C:
			run, err := st.GetRun(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("failed to poll run: %w", err)
			}
			if run.State == schemas.RunCompleted || run.State == schemas.RunFailed {
				return run, nil
			}
		}
	}
}

// printTranscript renders each agent's steps as an aligned table.
func printTranscript(ctx context.Context, out io.Writer, st schemas.Store, run *schemas.Run, agents []schemas.Agent) error {
	fmt.Fprintf(out, "\nRun %s: %s\n", run.ID, run.State)
	fmt.Fprintf(out, "Question: %s\n", run.UXQuestion)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ag := range agents {
		inters, err := st.ListInteractionsByAgent(ctx, ag.ID)
		if err != nil {
			return fmt.Errorf("failed to load transcript for %s: %w", ag.Persona.Name, err)
		}

		fmt.Fprintf(w, "\n%s\t%s\t%s\t%s\t\n", ag.Persona.Name, ag.Status, ag.FinishReason, ag.OverallSentiment)
		fmt.Fprintln(w, "STEP\tACTION\tTARGET\tRESULT\tSENTIMENT\tBUG\t")
		for _, in := range inters {
			target := in.Selector
			if target == "" {
				target = "-"
			}
			bug := "-"
			if in.BugDetected {
				bug = string(in.BugType)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t\n",
				in.Step, in.ActionType, target, in.Result, in.Sentiment, bug)
		}
	}
	return w.Flush()
}

// progressPrinter streams agent progress to the terminal while a run
// executes. It learns persona names from transitions; the running transition
// always precedes the agent's first step.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	names map[string]string
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, names: make(map[string]string)}
}

func (p *progressPrinter) AgentTransition(ag schemas.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[ag.ID] = ag.Persona.Name

	switch ag.Status {
	case schemas.AgentRunning:
		fmt.Fprintf(p.out, "[%s] exploring...\n", ag.Persona.Name)
	case schemas.AgentCompleted, schemas.AgentFailed:
		reason := string(ag.FinishReason)
		if reason == "" {
			reason = "gave up"
		}
		fmt.Fprintf(p.out, "[%s] %s (%s, overall %s)\n",
			ag.Persona.Name, ag.Status, reason, ag.OverallSentiment)
	}
}

func (p *progressPrinter) StepAppended(in schemas.Interaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := p.names[in.AgentID]
	if name == "" {
		name = in.AgentID
	}

	target := in.Selector
	if target == "" {
		target = "-"
	}
	fmt.Fprintf(p.out, "[%s] step %d: %s %s -> %s (%s)\n",
		name, in.Step, in.ActionType, target, in.Result, in.Sentiment)
}
