// -- internal/llmclient/factory.go --
package llmclient

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

// NewClient creates an LLMClient based on the provider configuration.
func NewClient(cfg config.ProviderConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}

// Registration pairs a client with the priority it was configured at.
type Registration struct {
	Client   schemas.LLMClient
	Priority int
}

// NewClients builds every configured provider, ordered by ascending priority.
// Providers whose client cannot be built are skipped with a warning so one
// bad key does not take the whole pool down.
func NewClients(cfgs []config.ProviderConfig, logger *zap.Logger) ([]Registration, error) {
	regs := make([]Registration, 0, len(cfgs))
	for _, pc := range cfgs {
		client, err := NewClient(pc, logger)
		if err != nil {
			logger.Warn("Skipping provider.", zap.String("provider", pc.Name), zap.Error(err))
			continue
		}
		regs = append(regs, Registration{Client: client, Priority: pc.Priority})
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("no usable LLM provider configured")
	}
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].Priority < regs[j].Priority })
	return regs, nil
}
