package ingest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Repository persists canonical signal records in signals.db.
//
// Records are keyed by (source, fund_id, ts); re-ingesting the same
// identity replaces the stored payload (last-write-wins).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new signal repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "signals").Logger(),
	}
}

// Store persists one canonical record, replacing any record with the same
// (source, fund_id, ts) identity.
func (r *Repository) Store(rec domain.SignalRecord) error {
	payload, err := msgpack.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode signal payload: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO signals (source, fund_id, ts, payload, provenance, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, fund_id, ts) DO UPDATE SET
			payload = excluded.payload,
			provenance = excluded.provenance,
			ingested_at = excluded.ingested_at
	`,
		string(rec.Source),
		rec.FundID,
		rec.Timestamp.Unix(),
		payload,
		rec.Provenance,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}

// LatestInWindow returns the most recent record per source for a fund
// within [until-window, until]. Market-wide records (empty fund_id) count
// for every fund; a fund-specific record with a newer timestamp wins over
// a market-wide one.
func (r *Repository) LatestInWindow(fundID string, until time.Time, window time.Duration) (map[domain.SignalSource]domain.SignalRecord, error) {
	from := until.Add(-window)

	rows, err := r.db.Query(`
		SELECT source, fund_id, ts, payload, provenance
		FROM signals
		WHERE (fund_id = ? OR fund_id = '')
		  AND ts > ? AND ts <= ?
		ORDER BY ts ASC
	`,
		fundID,
		from.Unix(),
		until.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals in window: %w", err)
	}
	defer rows.Close()

	latest := make(map[domain.SignalSource]domain.SignalRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		// Rows arrive in ascending ts order, so the last row per source
		// is the most recent one.
		latest[rec.Source] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return latest, nil
}

// ValuesSince returns the primary payload values of one source for a fund
// (including market-wide records) since the given time, in ascending
// timestamp order. Used to compute rolling baselines.
func (r *Repository) ValuesSince(source domain.SignalSource, fundID string, since time.Time) ([]float64, error) {
	rows, err := r.db.Query(`
		SELECT payload
		FROM signals
		WHERE source = ?
		  AND (fund_id = ? OR fund_id = '')
		  AND ts > ?
		ORDER BY ts ASC
	`,
		string(source),
		fundID,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan payload: %w", err)
		}

		var payload domain.SignalPayload
		if err := msgpack.Unmarshal(blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		if payload.Value.Present {
			values = append(values, payload.Value.Value)
		}
	}

	return values, rows.Err()
}

// Count returns the total number of stored signal records.
func (r *Repository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (domain.SignalRecord, error) {
	var rec domain.SignalRecord
	var source string
	var ts int64
	var blob []byte

	if err := rows.Scan(&source, &rec.FundID, &ts, &blob, &rec.Provenance); err != nil {
		return rec, fmt.Errorf("failed to scan signal: %w", err)
	}

	rec.Source = domain.SignalSource(source)
	rec.Timestamp = time.Unix(ts, 0).UTC()

	if err := msgpack.Unmarshal(blob, &rec.Payload); err != nil {
		return rec, fmt.Errorf("failed to decode signal payload: %w", err)
	}

	return rec, nil
}
