package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storyforge/internal/config"
)

// NewFromConfig builds the provider selected by cfg.Provider.Kind. The
// returned close function releases provider resources and is never nil.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Client, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider.Kind {
	case config.ProviderAssistants:
		return NewAssistantsClient(cfg.Provider.Endpoint, cfg.Provider.APIKey, cfg.Provider.Timeout), noop, nil
	case config.ProviderGemini:
		c, err := NewGeminiClient(ctx, GeminiOptions{
			APIKey:       cfg.Provider.APIKey,
			Model:        cfg.Provider.Model,
			Instructions: cfg.Instructions(),
			RunTimeout:   cfg.Provider.Timeout,
			SessionTTL:   cfg.Provider.SessionTTL,
			Logger:       logger,
		})
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}
