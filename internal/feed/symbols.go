package feed

import (
	"context"
	"fmt"

	"market-pipeline/internal/model"
)

// Registry lists the symbols other services have registered.
type Registry interface {
	Symbols(ctx context.Context) ([]string, error)
}

// ResolveSymbols returns configured when non-empty, otherwise the registry's
// symbols. An empty result is a configuration error.
func ResolveSymbols(ctx context.Context, configured []string, reg Registry) ([]string, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: no feed symbols configured", model.ErrConfiguration)
	}
	syms, err := reg.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: load symbol registry: %w", err)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: no feed symbols configured or registered", model.ErrConfiguration)
	}
	return syms, nil
}

// shardSymbols distributes symbols round-robin over n shards. n is clamped
// to [1, len(symbols)].
func shardSymbols(symbols []string, n int) [][]string {
	if n > len(symbols) {
		n = len(symbols)
	}
	if n < 1 {
		n = 1
	}
	shards := make([][]string, n)
	for i, s := range symbols {
		shards[i%n] = append(shards[i%n], s)
	}
	return shards
}
