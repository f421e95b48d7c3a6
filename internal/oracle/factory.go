// internal/oracle/factory.go
package oracle

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// New is a factory function that creates an Oracle based on the configured
// provider.
func New(cfg config.OracleConfig, logger *zap.Logger) (schemas.Oracle, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiOracle(cfg, logger)
	case config.ProviderScripted:
		// An empty script is only useful for dry runs; real scripted oracles
		// are constructed directly with their turn sequence.
		return NewScriptedOracle(), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported oracle provider %q. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderScripted)
	}
}
