// Package review owns the recommendation review lifecycle: the audit-grade
// store of proposed recommendations and the human decision workflow that
// moves them to a terminal state.
package review

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Repository persists recommendations in review.db (ledger profile).
//
// The single-open-recommendation-per-fund invariant is enforced by a
// partial unique index on fund_id over non-terminal rows: concurrent
// creates for the same fund race on the index, exactly one wins, the rest
// surface as domain.ConflictError. No application-level locking is needed
// and the guarantee holds across process instances.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new recommendation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "review").Logger(),
	}
}

// Create inserts a new proposed recommendation. When the fund already has
// an open recommendation the insert loses the index race and Create returns
// domain.ConflictError naming the blocking recommendation. A cancelled
// context aborts the insert, so a superseded evaluation never writes.
func (r *Repository) Create(ctx context.Context, rec *domain.Recommendation) error {
	actions, err := msgpack.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO recommendations (id, fund_id, fingerprint_id, actions, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.FundID,
		rec.FingerprintID,
		actions,
		string(rec.Status),
		rec.CreatedAt.Unix(),
		rec.ExpiresAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			open, lookupErr := r.GetOpenForFund(rec.FundID)
			if lookupErr == nil && open != nil {
				return &domain.ConflictError{FundID: rec.FundID, OpenRecommendationID: open.ID}
			}
			return &domain.ConflictError{FundID: rec.FundID}
		}
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}

	return nil
}

// GetByID loads one recommendation, or sql.ErrNoRows when absent.
func (r *Repository) GetByID(id string) (*domain.Recommendation, error) {
	row := r.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	return scanRecommendation(row.Scan)
}

// GetOpenForFund returns the fund's open recommendation, or nil when the
// fund has none.
func (r *Repository) GetOpenForFund(fundID string) (*domain.Recommendation, error) {
	row := r.db.QueryRow(selectColumns+`
		WHERE fund_id = ? AND status IN ('proposed', 'under_review')
	`, fundID)

	rec, err := scanRecommendation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListPending returns open recommendations oldest first, so reviewers work
// the queue in SLA order.
func (r *Repository) ListPending(limit int) ([]*domain.Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(selectColumns+`
		WHERE status IN ('proposed', 'under_review')
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListForFund returns a fund's recommendation history, newest first.
func (r *Repository) ListForFund(fundID string, limit int) ([]*domain.Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(selectColumns+`
		WHERE fund_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, fundID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fund recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Transition moves a recommendation from its current status to next,
// enforcing the workflow state machine. The UPDATE is conditional on the
// current status, so two concurrent transitions cannot both win. Returns
// the updated recommendation.
func (r *Repository) Transition(id string, next domain.RecommendationStatus, claimedBy, decidedBy, rationale string) (*domain.Recommendation, error) {
	rec, err := r.GetByID(id)
	if err != nil {
		return nil, err
	}

	if !rec.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("recommendation %s cannot move from %s to %s", id, rec.Status, next)
	}

	var decidedAt sql.NullInt64
	if next == domain.StatusApproved || next == domain.StatusRejected {
		decidedAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	}

	res, err := r.db.Exec(`
		UPDATE recommendations
		SET status = ?,
		    claimed_by = CASE WHEN ? = '' THEN claimed_by ELSE ? END,
		    decided_at = CASE WHEN ? THEN ? ELSE decided_at END,
		    decided_by = CASE WHEN ? = '' THEN decided_by ELSE ? END,
		    rationale = CASE WHEN ? = '' THEN rationale ELSE ? END
		WHERE id = ? AND status = ?
	`,
		string(next),
		claimedBy, claimedBy,
		decidedAt.Valid, decidedAt,
		decidedBy, decidedBy,
		rationale, rationale,
		id, string(rec.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition recommendation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read transition result: %w", err)
	}
	if affected == 0 {
		// A concurrent transition won the race; reload and report
		current, loadErr := r.GetByID(id)
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, fmt.Errorf("recommendation %s changed concurrently, now %s", id, current.Status)
	}

	return r.GetByID(id)
}

// ExpireOverdue moves every open recommendation past its deadline to
// expired and returns the affected rows. Used by the SLA sweep job.
func (r *Repository) ExpireOverdue(now time.Time) ([]*domain.Recommendation, error) {
	rows, err := r.db.Query(selectColumns+`
		WHERE status IN ('proposed', 'under_review') AND expires_at <= ?
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue recommendations: %w", err)
	}
	defer rows.Close()

	var overdue []*domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		overdue = append(overdue, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*domain.Recommendation
	for _, rec := range overdue {
		updated, err := r.Transition(rec.ID, domain.StatusExpired, "", "", "")
		if err != nil {
			// Raced with a concurrent decision; the row reached a terminal
			// state either way, keep sweeping.
			r.log.Warn().Err(err).Str("recommendation_id", rec.ID).Msg("Skipped expiry after concurrent transition")
			continue
		}
		expired = append(expired, updated)
	}

	return expired, nil
}

const selectColumns = `
	SELECT id, fund_id, fingerprint_id, actions, status, created_at, expires_at,
	       claimed_by, decided_at, decided_by, rationale
	FROM recommendations`

func scanRecommendation(scan func(dest ...interface{}) error) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	var actions []byte
	var status string
	var createdAt, expiresAt int64
	var decidedAt sql.NullInt64

	err := scan(
		&rec.ID, &rec.FundID, &rec.FingerprintID, &actions, &status,
		&createdAt, &expiresAt, &rec.ClaimedBy, &decidedAt, &rec.DecidedBy, &rec.Rationale,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan recommendation: %w", err)
	}

	rec.Status = domain.RecommendationStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if decidedAt.Valid {
		t := time.Unix(decidedAt.Int64, 0).UTC()
		rec.DecidedAt = &t
	}

	if err := msgpack.Unmarshal(actions, &rec.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}

	return &rec, nil
}
