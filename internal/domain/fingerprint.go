package domain

import (
	"time"
)

// DefaultEmbeddingDim matches the dimension of the production embedding
// model; the vector index rejects vectors of any other length.
const DefaultEmbeddingDim = 1024

// Feature is one normalized structured feature of a fingerprint.
// Missing distinguishes "no signal inside the window" from a legitimate
// zero-risk reading.
type Feature struct {
	Value   float64 `json:"value" msgpack:"value"`
	Missing bool    `json:"missing" msgpack:"missing"`
}

// MissingFeature returns the canonical missing marker.
func MissingFeature() Feature {
	return Feature{Missing: true}
}

// FeatureVector holds the normalized structured features of a fingerprint,
// one slot per signal source. Normalization is z-score against the fund's
// rolling baseline, so values are comparable across funds and time.
type FeatureVector struct {
	Macro      Feature `json:"macro" msgpack:"macro"`
	Sentiment  Feature `json:"sentiment" msgpack:"sentiment"`
	Volatility Feature `json:"volatility" msgpack:"volatility"`
	Portfolio  Feature `json:"portfolio" msgpack:"portfolio"`
}

// MissingRequired returns the required sources whose feature slot is missing.
func (fv FeatureVector) MissingRequired() []SignalSource {
	var missing []SignalSource
	if fv.Macro.Missing {
		missing = append(missing, SourceMacro)
	}
	if fv.Sentiment.Missing {
		missing = append(missing, SourceSentiment)
	}
	if fv.Volatility.Missing {
		missing = append(missing, SourceVolatility)
	}
	return missing
}

// VolRegime is a coarse volatility bucket used for metadata pre-filtering
// during retrieval, so embedding-only false positives across regimes are
// excluded cheaply.
type VolRegime string

const (
	RegimeLow     VolRegime = "low"
	RegimeNormal  VolRegime = "normal"
	RegimeHigh    VolRegime = "high"
	RegimeExtreme VolRegime = "extreme"
	// RegimeUnknown is used when the volatility feature is missing.
	RegimeUnknown VolRegime = "unknown"
)

// ClassifyVolRegime buckets a z-scored volatility feature.
func ClassifyVolRegime(vol Feature) VolRegime {
	if vol.Missing {
		return RegimeUnknown
	}
	switch {
	case vol.Value < -0.5:
		return RegimeLow
	case vol.Value < 1.0:
		return RegimeNormal
	case vol.Value < 2.5:
		return RegimeHigh
	default:
		return RegimeExtreme
	}
}

// RiskFingerprint is a fixed-shape summary of a fund's risk exposure at a
// point in time: normalized structured features plus an embedding of the
// narrative risk-state description. Fingerprints are immutable after
// creation and append-only per fund.
type RiskFingerprint struct {
	ID         string        `json:"id"`
	FundID     string        `json:"fund_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Features   FeatureVector `json:"features"`
	Embedding  []float32     `json:"-"`
	AssetClass string        `json:"asset_class,omitempty"`
	VolRegime  VolRegime     `json:"vol_regime"`
}
