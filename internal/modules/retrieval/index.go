// Package retrieval finds historical episodes whose risk fingerprints are
// most similar to a query fingerprint. Similarity is cosine over the
// embedding; coarse metadata (volatility regime, asset class) pre-filters
// candidates so embedding-only false positives across regimes are excluded
// before scoring.
package retrieval

import (
	"context"
	"time"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Metadata is the coarse, filterable description of one indexed episode.
type Metadata struct {
	FundID     string
	AssetClass string
	VolRegime  domain.VolRegime
	RecordedAt time.Time
}

// Filter restricts a query to episodes matching the set fields. Zero-value
// fields do not constrain. An unknown volatility regime never filters:
// degrading to a wider candidate set is better than filtering on a guess.
type Filter struct {
	AssetClass string
	VolRegime  domain.VolRegime
}

// matches reports whether the metadata passes the filter.
func (f Filter) matches(m Metadata) bool {
	if f.AssetClass != "" && m.AssetClass != "" && m.AssetClass != f.AssetClass {
		return false
	}
	if f.VolRegime != "" && f.VolRegime != domain.RegimeUnknown &&
		m.VolRegime != "" && m.VolRegime != domain.RegimeUnknown &&
		m.VolRegime != f.VolRegime {
		return false
	}
	return true
}

// Candidate is one index hit: an episode id with its cosine similarity.
type Candidate struct {
	ID    string
	Score float64
	Meta  Metadata
}

// VectorIndex is the similarity index over episode embeddings. Upserted
// vectors are normalized so dot product equals cosine similarity.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error)
	Delete(ctx context.Context, id string) error
	Count() int
}
