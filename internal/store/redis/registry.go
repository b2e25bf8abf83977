package redis

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/go-redis/redis/v8"
)

// Symbols reads the stock:symbols registry set.
// Returns an empty slice if the key doesn't exist.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", symbolsKey, err)
	}
	sort.Strings(members)
	return members, nil
}

// RegisterSymbols adds symbols to the registry so other services see the
// active universe.
func (s *Store) RegisterSymbols(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	members := make([]interface{}, len(symbols))
	for i, sym := range symbols {
		members[i] = sym
	}
	if err := s.client.SAdd(ctx, symbolsKey, members...).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", symbolsKey, err)
	}
	return nil
}
