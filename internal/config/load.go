package config

import (
	"context"
	"errors"
	"fmt"

	"care-orchestrator/internal/integrations/paramstore"
)

// LoadSignals reads a signal document override from the parameter store.
// A missing parameter falls back to the embedded defaults; a present but
// invalid one is an error so a bad deploy fails at start-up.
func LoadSignals(ctx context.Context, getter paramstore.Getter, name string) (Signals, error) {
	if getter == nil {
		return DefaultSignals()
	}
	raw, err := getter.GetParameter(ctx, name)
	if errors.Is(err, paramstore.ErrNotFound) {
		return DefaultSignals()
	}
	if err != nil {
		return Signals{}, fmt.Errorf("config: load signals: %w", err)
	}
	return ParseSignals([]byte(raw))
}
