// Package domain contains the core riskmatch types. The domain layer is pure:
// no database handles, no HTTP, no logging. Repositories and services depend
// on this package, never the other way around.
package domain

import (
	"time"
)

// SignalSource identifies where a signal record originated.
type SignalSource string

const (
	// SourceMacro is a macroeconomic indicator (rates, CPI, unemployment).
	SourceMacro SignalSource = "macro"
	// SourceSentiment is an aggregated market-sentiment score in [-1, 1].
	SourceSentiment SignalSource = "sentiment"
	// SourceVolatility is a realized or implied volatility reading (>= 0).
	SourceVolatility SignalSource = "volatility"
	// SourcePortfolio describes current portfolio composition for one fund.
	SourcePortfolio SignalSource = "portfolio"
)

// RequiredSources are the sources a fingerprint needs. Portfolio composition
// is supplementary: it sharpens metadata filtering but its absence does not
// count against the missing-data threshold.
func RequiredSources() []SignalSource {
	return []SignalSource{SourceMacro, SourceSentiment, SourceVolatility}
}

// Valid reports whether the source is one of the known enum values.
func (s SignalSource) Valid() bool {
	switch s {
	case SourceMacro, SourceSentiment, SourceVolatility, SourcePortfolio:
		return true
	}
	return false
}

// Field is a numeric payload field with an explicit presence marker.
// A zero reading and an absent reading are different facts; callers must
// never rely on the zero value to mean "no data".
type Field struct {
	Value   float64 `json:"value" msgpack:"value"`
	Present bool    `json:"present" msgpack:"present"`
}

// Set returns a present field holding v.
func Set(v float64) Field {
	return Field{Value: v, Present: true}
}

// SignalPayload is the canonical, typed payload of a signal record.
// Each numeric field carries its own presence marker; categorical fields
// use the empty string for "not provided".
type SignalPayload struct {
	// Value is the primary scalar: indicator level, sentiment score,
	// volatility reading, or portfolio gross exposure.
	Value Field `json:"value" msgpack:"value"`
	// Change is the period-over-period change of Value, when the feed
	// supplies one.
	Change Field `json:"change" msgpack:"change"`
	// Dispersion is a cross-sectional spread measure, when supplied.
	Dispersion Field `json:"dispersion" msgpack:"dispersion"`
	// AssetClass tags portfolio records with their dominant asset class
	// (e.g. "equity", "credit", "crypto").
	AssetClass string `json:"asset_class,omitempty" msgpack:"asset_class"`
}

// SignalRecord is one normalized market signal. Records are immutable once
// ingested and identified by (source, fund, timestamp); a later write with
// the same identity replaces the earlier one (last-write-wins).
type SignalRecord struct {
	Source     SignalSource  `json:"source"`
	FundID     string        `json:"fund_id"` // empty for market-wide signals
	Timestamp  time.Time     `json:"timestamp"`
	Payload    SignalPayload `json:"payload"`
	Provenance string        `json:"provenance"`
}
