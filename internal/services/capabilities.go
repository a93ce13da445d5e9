package services

import "errors"

// Capability errors. External scorers and resolvers return these (optionally
// wrapped); the pipeline degrades to partial assessments instead of failing.
var (
	ErrModelUnavailable = errors.New("risk model unavailable")
	ErrLookupFailed     = errors.New("geo lookup failed")
	ErrDeliveryFailed   = errors.New("notification delivery failed")
)

// RiskModel scores a numeric feature vector for anomaly risk. Implementations
// are external (learned model, remote scoring service); the pipeline only
// depends on this contract.
type RiskModel interface {
	Score(features []float64) (score float64, confidence float64, err error)
}

// GeoInfo describes the resolved location of a source.
type GeoInfo struct {
	Country    string  `json:"country"`
	City       string  `json:"city"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	IsKnownVPN bool    `json:"is_known_vpn"`
}

// GeoResolver resolves a source identifier (IP) to location data.
type GeoResolver interface {
	Resolve(sourceID string) (GeoInfo, error)
}
