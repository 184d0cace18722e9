// internal/agent/screenshots_test.go
package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
	"github.com/archetype-hq/archetype/internal/executor"
)

func TestScreenshots_Capture(t *testing.T) {
	dir := t.TempDir()
	shots := NewScreenshots(zaptest.NewLogger(t), dir)
	sess := &nopSession{png: []byte("\x89PNG fake")}

	got := shots.Capture(context.Background(), sess, "run-1", "agent-1", 4)

	assert.Equal(t, "/screenshots/run-1/agent-1_step_004.png", got)
	data, err := os.ReadFile(filepath.Join(dir, "run-1", "agent-1_step_004.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fake"), data)
}

func TestScreenshots_CaptureFailureIsSilent(t *testing.T) {
	dir := t.TempDir()
	shots := NewScreenshots(zaptest.NewLogger(t), dir)
	sess := &nopSession{pngErr: errors.New("target crashed")}

	got := shots.Capture(context.Background(), sess, "run-1", "agent-1", 1)

	assert.Empty(t, got)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoop_StepsCarryScreenshotPaths(t *testing.T) {
	f := newFixture(t)
	f.session.png = []byte("\x89PNG fake")
	f.planner.script = []planAnswer{clickPlan("#cart"), finishPlan()}
	f.runner.outcomes = []executor.Outcome{clicked("#cart")}

	cfg := config.AgentConfig{
		StepBudget:             5,
		ActionTimeout:          time.Second,
		ExtractionRetries:      1,
		MaxConsecutiveFailures: 2,
		HistoryWindow:          5,
	}
	dir := t.TempDir()
	loop, err := NewLoop(zaptest.NewLogger(t), cfg, f.store, f.planner, f.runner, f.extractor,
		&stubBrowsers{sess: f.session}, NewScreenshots(zaptest.NewLogger(t), dir), f.events)
	require.NoError(t, err)

	final := loop.Run(context.Background(), f.run, f.agent)
	require.Equal(t, schemas.AgentCompleted, final.Status)

	inters := f.transcript(t)
	require.Len(t, inters, 2)
	assert.Equal(t, "/screenshots/"+f.run.ID+"/"+f.agent.ID+"_step_001.png", inters[0].Screenshot)
	// The terminal decision runs no action and takes no screenshot.
	assert.Empty(t, inters[1].Screenshot)

	_, err = os.Stat(filepath.Join(dir, f.run.ID, f.agent.ID+"_step_001.png"))
	require.NoError(t, err)
}
