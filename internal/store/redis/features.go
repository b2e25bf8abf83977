package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"market-pipeline/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// PublishFeatures writes vectors to their features:{symbol} streams, refreshes
// the latest snapshot and notifies subscribers, all in one pipeline.
func (s *Store) PublishFeatures(ctx context.Context, vecs []model.FeatureVector) error {
	if len(vecs) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for i := range vecs {
		v := &vecs[i]
		data := string(v.JSON())
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: v.StreamKey(),
			MaxLen: featureStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, featureLatestPrefix+v.Symbol, data, featureLatestTTL)
		pipe.Publish(ctx, featurePubPrefix+v.Symbol, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d feature vectors: %w: %w", len(vecs), model.ErrTransientIO, err)
	}
	return nil
}

// Sentiment reads the externally produced score at sentiment:{symbol}.
// ok is false when the key is missing or not a finite number.
func (s *Store) Sentiment(ctx context.Context, symbol string) (float64, bool, error) {
	raw, err := s.client.Get(ctx, sentimentKey(symbol)).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis GET %s: %w", sentimentKey(symbol), err)
	}
	return parseSentiment(raw)
}

func parseSentiment(raw string) (float64, bool, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, nil
	}
	return v, true, nil
}
