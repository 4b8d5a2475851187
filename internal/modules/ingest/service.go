package ingest

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
)

// BatchResult reports the outcome of one ingestion batch: accepted records
// proceed, each rejected record is reported individually. A batch with some
// malformed records is a partial success, never an error.
type BatchResult struct {
	Accepted int                       `json:"accepted"`
	Failures []*domain.ValidationError `json:"failures"`
}

// Service validates and persists signal batches.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewService creates a new ingest service.
func NewService(repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("service", "ingest").Logger(),
	}
}

// IngestBatch validates and stores a batch of raw records in arrival order.
// Invalid records are collected per-record; valid records are persisted
// regardless of how many siblings failed.
func (s *Service) IngestBatch(batch []RawRecord) (*BatchResult, error) {
	result := &BatchResult{Failures: make([]*domain.ValidationError, 0)}

	for i, raw := range batch {
		if verr := validate(raw, i); verr != nil {
			result.Failures = append(result.Failures, verr)
			s.log.Debug().
				Str("source", string(verr.Source)).
				Int("index", verr.Index).
				Str("field", verr.Field).
				Msg("Rejected malformed signal record")
			continue
		}

		rec := domain.SignalRecord{
			Source:     domain.SignalSource(raw.Source),
			FundID:     raw.FundID,
			Timestamp:  time.Unix(raw.Timestamp, 0).UTC(),
			Payload:    raw.Payload,
			Provenance: raw.Provenance,
		}

		if err := s.repo.Store(rec); err != nil {
			// A storage failure is a system fault, not a validation
			// failure; it aborts the batch.
			return nil, err
		}
		result.Accepted++
	}

	s.log.Info().
		Int("accepted", result.Accepted).
		Int("rejected", len(result.Failures)).
		Msg("Ingested signal batch")

	if s.bus != nil {
		s.bus.Publish(&events.SignalsIngestedData{
			Accepted: result.Accepted,
			Rejected: len(result.Failures),
		})
	}

	return result, nil
}
