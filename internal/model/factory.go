package model

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/anvil/internal/config"
)

// New builds the retry-wrapped client for a model profile.
func New(profile config.ModelProfile, llm config.LLMConfig, logger *slog.Logger) (Client, error) {
	var inner Client
	var err error

	switch profile.Provider {
	case "openai", "":
		inner, err = NewOpenAI(profile, logger)
	case "anthropic":
		inner, err = NewAnthropic(profile, logger)
	default:
		err = fmt.Errorf("model: unknown provider %q", profile.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(inner, llm, logger), nil
}
