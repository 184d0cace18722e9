// internal/browser/extractor.go
package browser

import (
	"context"

	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
)

// DigestExtractor packages the digest pipeline behind a single method so the
// agent loop can depend on a narrow seam instead of this package's free
// functions.
type DigestExtractor struct {
	logger *zap.Logger
}

func NewDigestExtractor(logger *zap.Logger) *DigestExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DigestExtractor{logger: logger}
}

// Extract builds the bounded page summary for the session's current page.
func (d *DigestExtractor) Extract(ctx context.Context, sess schemas.SessionContext) (schemas.PageDigest, error) {
	return BuildDigest(ctx, sess, d.logger)
}
