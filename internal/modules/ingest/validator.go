// Package ingest normalizes raw market signals into canonical SignalRecords.
// Validation happens here, at the boundary; everything downstream can trust
// the typed payloads.
package ingest

import (
	"math"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// RawRecord is one record as submitted by a feed, before validation.
type RawRecord struct {
	Source     string               `json:"source"`
	FundID     string               `json:"fund_id"`
	Timestamp  int64                `json:"timestamp"` // unix seconds, UTC
	Payload    domain.SignalPayload `json:"payload"`
	Provenance string               `json:"provenance"`
}

// validate checks one raw record against its source schema and returns the
// validation error, or nil when the record is well-formed. index is the
// record's position in the batch, reported back to the caller.
func validate(raw RawRecord, index int) *domain.ValidationError {
	source := domain.SignalSource(raw.Source)
	if !source.Valid() {
		return &domain.ValidationError{
			Source: source,
			Index:  index,
			Field:  "source",
			Reason: "is not one of macro, sentiment, volatility, portfolio",
		}
	}

	if raw.Timestamp <= 0 {
		return &domain.ValidationError{
			Source: source,
			Index:  index,
			Field:  "timestamp",
			Reason: "must be a positive unix timestamp",
		}
	}

	if !raw.Payload.Value.Present {
		return &domain.ValidationError{
			Source: source,
			Index:  index,
			Field:  "payload.value",
			Reason: "is required",
		}
	}

	for _, f := range []struct {
		name  string
		field domain.Field
	}{
		{"payload.value", raw.Payload.Value},
		{"payload.change", raw.Payload.Change},
		{"payload.dispersion", raw.Payload.Dispersion},
	} {
		if f.field.Present && (math.IsNaN(f.field.Value) || math.IsInf(f.field.Value, 0)) {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  f.name,
				Reason: "must be a finite number",
			}
		}
	}

	// Source-specific range checks
	switch source {
	case domain.SourceSentiment:
		if v := raw.Payload.Value.Value; v < -1 || v > 1 {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  "payload.value",
				Reason: "must be in [-1, 1] for sentiment",
			}
		}
	case domain.SourceVolatility:
		if raw.Payload.Value.Value < 0 {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  "payload.value",
				Reason: "must be non-negative for volatility",
			}
		}
	case domain.SourcePortfolio:
		if raw.FundID == "" {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  "fund_id",
				Reason: "is required for portfolio records",
			}
		}
		if raw.Payload.Value.Value < 0 {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  "payload.value",
				Reason: "must be non-negative for portfolio exposure",
			}
		}
		if raw.Payload.AssetClass == "" {
			return &domain.ValidationError{
				Source: source,
				Index:  index,
				Field:  "payload.asset_class",
				Reason: "is required for portfolio records",
			}
		}
	}

	return nil
}
