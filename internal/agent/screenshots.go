// internal/agent/screenshots.go
package agent

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
)

// screenshotTimeout bounds one viewport capture so a wedged renderer cannot
// stall the step it decorates.
const screenshotTimeout = 3 * time.Second

// Screenshots writes per-step viewport captures under the directory the API
// serves at /screenshots/. Capture is strictly best-effort: any failure logs
// at debug and yields an empty path, never a failed step.
type Screenshots struct {
	logger *zap.Logger
	dir    string
}

func NewScreenshots(logger *zap.Logger, dir string) *Screenshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Screenshots{logger: logger, dir: dir}
}

// Capture snapshots the session's viewport and stores it as
// <dir>/<runID>/<agentID>_step_NNN.png. The returned string is the URL path
// the dashboard loads the image from.
func (s *Screenshots) Capture(ctx context.Context, sess schemas.SessionContext, runID, agentID string, step int) string {
	cctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	png, err := sess.CaptureScreenshot(cctx)
	if err != nil {
		s.logger.Debug("Screenshot capture failed",
			zap.String("agent_id", agentID), zap.Int("step", step), zap.Error(err))
		return ""
	}

	rel := filepath.Join(runID, fmt.Sprintf("%s_step_%03d.png", agentID, step))
	full := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		s.logger.Debug("Screenshot directory unavailable", zap.String("dir", filepath.Dir(full)), zap.Error(err))
		return ""
	}
	if err := os.WriteFile(full, png, 0o644); err != nil {
		s.logger.Debug("Screenshot write failed", zap.String("path", full), zap.Error(err))
		return ""
	}
	return path.Join("/screenshots", filepath.ToSlash(rel))
}
