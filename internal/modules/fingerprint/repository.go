package fingerprint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Repository persists fingerprints in corpus.db. Fingerprints are immutable;
// saving an existing id is a no-op because the builder is deterministic and
// the stored row is already identical.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new fingerprint repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "fingerprints").Logger(),
	}
}

// Save persists a fingerprint. The embedding is not stored here; the vector
// index owns embedding storage. The context is the evaluation run's: a
// superseded run's cancellation aborts the write instead of persisting a
// stale fingerprint.
func (r *Repository) Save(ctx context.Context, fp *domain.RiskFingerprint) error {
	features, err := msgpack.Marshal(fp.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fingerprints (id, fund_id, ts, features, asset_class, vol_regime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		fp.ID,
		fp.FundID,
		fp.Timestamp.Unix(),
		features,
		fp.AssetClass,
		string(fp.VolRegime),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fingerprint: %w", err)
	}

	return nil
}

// GetByID loads one fingerprint, or sql.ErrNoRows when absent.
func (r *Repository) GetByID(id string) (*domain.RiskFingerprint, error) {
	row := r.db.QueryRow(`
		SELECT id, fund_id, ts, features, asset_class, vol_regime
		FROM fingerprints
		WHERE id = ?
	`, id)

	return scanFingerprint(row)
}

// LatestForFund returns the most recent fingerprint for a fund, or
// sql.ErrNoRows when the fund has none.
func (r *Repository) LatestForFund(fundID string) (*domain.RiskFingerprint, error) {
	row := r.db.QueryRow(`
		SELECT id, fund_id, ts, features, asset_class, vol_regime
		FROM fingerprints
		WHERE fund_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`, fundID)

	return scanFingerprint(row)
}

func scanFingerprint(row *sql.Row) (*domain.RiskFingerprint, error) {
	var fp domain.RiskFingerprint
	var ts int64
	var features []byte
	var regime string

	if err := row.Scan(&fp.ID, &fp.FundID, &ts, &features, &fp.AssetClass, &regime); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
	}

	fp.Timestamp = time.Unix(ts, 0).UTC()
	fp.VolRegime = domain.VolRegime(regime)

	if err := msgpack.Unmarshal(features, &fp.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}

	return &fp, nil
}
