package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// AdaptiveIndex dispatches queries to exact search while the corpus is
// small and to the approximate index once it grows past the exact-search
// ceiling. Writes always go through the approximate index so its pending
// list stays consistent.
type AdaptiveIndex struct {
	exact    *ExactIndex
	ivf      *IVFIndex
	exactMax int
}

// NewAdaptiveIndex creates the dispatching index.
func NewAdaptiveIndex(exact *ExactIndex, ivf *IVFIndex, exactMax int) *AdaptiveIndex {
	return &AdaptiveIndex{exact: exact, ivf: ivf, exactMax: exactMax}
}

func (a *AdaptiveIndex) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	return a.ivf.Upsert(ctx, id, vector, meta)
}

func (a *AdaptiveIndex) Delete(ctx context.Context, id string) error {
	return a.ivf.Delete(ctx, id)
}

func (a *AdaptiveIndex) Count() int {
	return a.exact.Count()
}

func (a *AdaptiveIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error) {
	if a.exact.Count() <= a.exactMax {
		return a.exact.Query(ctx, vector, k, filter)
	}
	return a.ivf.Query(ctx, vector, k, filter)
}

var _ VectorIndex = (*AdaptiveIndex)(nil)

// EpisodeReader loads corpus episodes by id.
type EpisodeReader interface {
	GetByIDs(ids []string) ([]domain.HistoricalEpisode, error)
}

// Config holds retrieval tunables.
type Config struct {
	K       int
	Epsilon float64
	Timeout time.Duration
}

// Retriever runs similarity queries for the pipeline: it derives the
// metadata filter from the query fingerprint, queries the index under the
// retrieval deadline, and resolves candidates into scored episodes.
type Retriever struct {
	index    VectorIndex
	episodes EpisodeReader
	cfg      Config
	log      zerolog.Logger
}

// NewRetriever creates a new retriever.
func NewRetriever(index VectorIndex, episodes EpisodeReader, cfg Config, log zerolog.Logger) *Retriever {
	return &Retriever{
		index:    index,
		episodes: episodes,
		cfg:      cfg,
		log:      log.With().Str("service", "retrieval").Logger(),
	}
}

// Retrieve returns the top-K most similar historical episodes for a
// fingerprint, descending by similarity. Scores within epsilon of each
// other are ordered more-recent-first, so equal matches prefer fresher
// precedent. An empty corpus or no eligible candidates returns an empty
// slice; exceeding the deadline returns domain.TimeoutError.
func (r *Retriever) Retrieve(ctx context.Context, fp *domain.RiskFingerprint) ([]domain.ScoredEpisode, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	filter := Filter{
		AssetClass: fp.AssetClass,
		VolRegime:  fp.VolRegime,
	}

	candidates, err := r.index.Query(ctx, fp.Embedding, r.cfg.K, filter)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{FundID: fp.FundID, Stage: "retrieval", Deadline: r.cfg.Timeout}
		}
		return nil, err
	}

	if len(candidates) == 0 {
		r.log.Debug().Str("fund_id", fp.FundID).Msg("No similar episodes in corpus")
		return []domain.ScoredEpisode{}, nil
	}

	ids := make([]string, len(candidates))
	scores := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		scores[c.ID] = c.Score
	}

	episodes, err := r.episodes.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &domain.TimeoutError{FundID: fp.FundID, Stage: "retrieval", Deadline: r.cfg.Timeout}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scored := make([]domain.ScoredEpisode, 0, len(episodes))
	for _, ep := range episodes {
		scored = append(scored, domain.ScoredEpisode{
			Episode:    ep,
			Similarity: scores[ep.ID],
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		si, sj := scored[i].Similarity, scored[j].Similarity
		if math.Abs(si-sj) <= r.cfg.Epsilon {
			return scored[i].Episode.RecordedAt.After(scored[j].Episode.RecordedAt)
		}
		return si > sj
	})

	r.log.Debug().
		Str("fund_id", fp.FundID).
		Int("candidates", len(scored)).
		Msg("Retrieved similar episodes")

	return scored, nil
}
