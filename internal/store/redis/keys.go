package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market-pipeline/internal/model"
)

// Key layout shared with other services reading the live cache.
const (
	symbolsKey = "stock:symbols"

	priceKeyPrefix     = "stock:price:"
	tradeKeyPrefix     = "stock:trade:"
	ohlcvKeyPrefix     = "stock:ohlcv:"
	sentimentKeyPrefix = "sentiment:"

	featureLatestPrefix = "features:latest:"
	featurePubPrefix    = "pub:features:"

	sealedScanPattern = "bars:sealed:*"

	// Feature streams keep roughly a week of one-minute vectors.
	featureStreamMaxLen = 10080
	featureLatestTTL    = 30 * time.Minute

	// stock:trade:* holds the last trade as JSON and expires when a symbol goes quiet.
	tradeTTL = time.Hour
)

func priceKey(symbol string) string     { return priceKeyPrefix + symbol }
func tradeKey(symbol string) string     { return tradeKeyPrefix + symbol }
func ohlcvKey(symbol string) string     { return ohlcvKeyPrefix + symbol }
func sentimentKey(symbol string) string { return sentimentKeyPrefix + symbol }

// sealedID is the stream entry ID of a sealed bar. Sealing is strictly
// ascending per symbol so IDs are monotonic within a stream.
func sealedID(b model.Bar) string {
	return strconv.FormatInt(b.Start.UnixMilli(), 10) + "-0"
}

func symbolFromSealedKey(key string) string {
	return strings.TrimPrefix(key, "bars:sealed:")
}

type tradeInfo struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
	Volume    float64 `json:"volume"`
	Side      string  `json:"side,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// tradeJSON is the stock:trade:* value: exchange time in ms, receipt time as RFC 3339.
func tradeJSON(t model.Tick) string {
	data, _ := json.Marshal(tradeInfo{
		Price:     t.Price,
		Timestamp: t.ExchangeTS.UnixMilli(),
		Volume:    t.Size,
		Side:      string(t.Side),
		UpdatedAt: t.ReceiptTS.UTC().Format(time.RFC3339Nano),
	})
	return string(data)
}

func barFields(b model.Bar) map[string]interface{} {
	return map[string]interface{}{
		"start":  b.Start.UnixMilli(),
		"open":   b.Open,
		"high":   b.High,
		"low":    b.Low,
		"close":  b.Close,
		"volume": b.Volume,
		"ticks":  b.Ticks,
	}
}

// decodeBar parses the "data" field of a sealed stream entry.
func decodeBar(values map[string]interface{}) (model.Bar, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return model.Bar{}, fmt.Errorf("sealed entry without data field")
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return model.Bar{}, fmt.Errorf("unmarshal sealed bar: %w", err)
	}
	if b.Symbol == "" || b.Ticks <= 0 {
		return model.Bar{}, fmt.Errorf("sealed bar %q incomplete", raw)
	}
	b.Start = b.Start.UTC()
	return b, nil
}
