package llmclient

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

// NewClient is a factory function that creates the tiered LLMClient stack
// based on the configuration. Both tiers share a single rate limiter so the
// combined request rate honors llm.requests_per_minute.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		limiter := newRequestLimiter(cfg.RequestsPerMinute)

		fast, err := NewGeminiClient(cfg, cfg.FastModel, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("building fast-tier client: %w", err)
		}
		powerful, err := NewGeminiClient(cfg, cfg.PowerfulModel, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("building powerful-tier client: %w", err)
		}
		return NewLLMRouter(logger, fast, powerful)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

// newRequestLimiter converts a requests-per-minute budget into a limiter.
// A non-positive budget disables limiting.
func newRequestLimiter(rpm float64) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rpm/60.0), 1)
}
