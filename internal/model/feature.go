package model

import (
	"encoding/json"
	"time"
)

// FeatureVector holds every indicator value computed for one sealed bar.
// Vectors are only built when all DAG nodes resolve and are never mutated.
type FeatureVector struct {
	Symbol string             `json:"symbol"`
	TS     time.Time          `json:"ts"` // start of the bar the vector was computed at
	Values map[string]float64 `json:"values"`
}

// StreamKey returns the Redis stream consumed by the model collaborator: "features:{symbol}".
func (v *FeatureVector) StreamKey() string {
	return "features:" + v.Symbol
}

// JSON returns the JSON-encoded vector.
func (v *FeatureVector) JSON() []byte {
	data, _ := json.Marshal(v)
	return data
}
