// Package episodes owns the historical episode corpus: write-once records
// of past risk fingerprints, the mitigation taken, and the observed outcome.
// The live pipeline reads episodes as retrieval targets and never mutates
// them.
package episodes

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianfm/riskmatch/internal/database"
	"github.com/meridianfm/riskmatch/internal/domain"
)

// Repository persists episodes in corpus.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new episode repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "episodes").Logger(),
	}
}

// Insert stores one episode and its fingerprint atomically. The fingerprint
// insert is idempotent (fingerprints are immutable and content-addressed);
// the episode insert is not: episodes are write-once and a duplicate id is
// an error.
func (r *Repository) Insert(ep *domain.HistoricalEpisode) error {
	features, err := msgpack.Marshal(ep.Fingerprint.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO fingerprints (id, fund_id, ts, features, asset_class, vol_regime, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			ep.Fingerprint.ID,
			ep.Fingerprint.FundID,
			ep.Fingerprint.Timestamp.Unix(),
			features,
			ep.Fingerprint.AssetClass,
			string(ep.Fingerprint.VolRegime),
			time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert fingerprint: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO episodes (id, fingerprint_id, fund_id, asset_class, vol_regime,
			                      action, performance_delta, narrative, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ep.ID,
			ep.Fingerprint.ID,
			ep.Fingerprint.FundID,
			ep.Fingerprint.AssetClass,
			string(ep.Fingerprint.VolRegime),
			ep.Action,
			ep.PerformanceDelta,
			ep.Narrative,
			ep.RecordedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert episode: %w", err)
		}

		return nil
	})
}

// GetByIDs loads episodes by id, with their fingerprints. Missing ids are
// silently absent from the result; the order of the result is unspecified.
func (r *Repository) GetByIDs(ids []string) ([]domain.HistoricalEpisode, error) {
	if len(ids) == 0 {
		return []domain.HistoricalEpisode{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT e.id, e.action, e.performance_delta, e.narrative, e.recorded_at,
		       f.id, f.fund_id, f.ts, f.features, f.asset_class, f.vol_regime
		FROM episodes e
		JOIN fingerprints f ON f.id = e.fingerprint_id
		WHERE e.id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// ListRecent returns the most recently recorded episodes.
func (r *Repository) ListRecent(limit int) ([]domain.HistoricalEpisode, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT e.id, e.action, e.performance_delta, e.narrative, e.recorded_at,
		       f.id, f.fund_id, f.ts, f.features, f.asset_class, f.vol_regime
		FROM episodes e
		JOIN fingerprints f ON f.id = e.fingerprint_id
		ORDER BY e.recorded_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// Count returns the corpus size.
func (r *Repository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM episodes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count episodes: %w", err)
	}
	return count, nil
}

func scanEpisodes(rows *sql.Rows) ([]domain.HistoricalEpisode, error) {
	var episodes []domain.HistoricalEpisode

	for rows.Next() {
		var ep domain.HistoricalEpisode
		var recordedAt, fpTS int64
		var features []byte
		var regime string

		err := rows.Scan(
			&ep.ID, &ep.Action, &ep.PerformanceDelta, &ep.Narrative, &recordedAt,
			&ep.Fingerprint.ID, &ep.Fingerprint.FundID, &fpTS, &features,
			&ep.Fingerprint.AssetClass, &regime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}

		ep.RecordedAt = time.Unix(recordedAt, 0).UTC()
		ep.Fingerprint.Timestamp = time.Unix(fpTS, 0).UTC()
		ep.Fingerprint.VolRegime = domain.VolRegime(regime)

		if err := msgpack.Unmarshal(features, &ep.Fingerprint.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}

		episodes = append(episodes, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating episodes: %w", err)
	}

	return episodes, nil
}
