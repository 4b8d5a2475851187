package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports one malformed record inside an ingestion batch.
// It names the offending field so the feed operator can fix the producer.
// A validation failure never aborts the rest of the batch.
type ValidationError struct {
	Source SignalSource
	Index  int // position of the record in the submitted batch
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record at index %d: field %q %s", e.Source, e.Index, e.Field, e.Reason)
}

// InsufficientSignalError is returned by the fingerprint builder when more
// than the configured fraction of required sources have no record inside
// the lookback window. The caller decides whether to proceed degraded.
type InsufficientSignalError struct {
	FundID    string
	Missing   []SignalSource
	Threshold float64
}

func (e *InsufficientSignalError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = string(s)
	}
	return fmt.Sprintf("insufficient signal for fund %s: missing sources [%s] exceed threshold %.0f%%",
		e.FundID, strings.Join(names, ", "), e.Threshold*100)
}

// EmbeddingUnavailableError is surfaced after the embedding service has
// failed all retry attempts.
type EmbeddingUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding service unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Cause }

// NoViableRecommendationError means no actionable pattern was found: either
// retrieval returned nothing eligible, or every candidate action scored
// below the confidence floor. This is a legitimate answer, not a fault;
// the system must say so rather than fabricate a low-confidence guess.
type NoViableRecommendationError struct {
	FundID    string
	Retrieved int
	Floor     float64
}

func (e *NoViableRecommendationError) Error() string {
	if e.Retrieved == 0 {
		return fmt.Sprintf("no actionable pattern found for fund %s: retrieval returned no episodes", e.FundID)
	}
	return fmt.Sprintf("no actionable pattern found for fund %s: all %d retrieved episodes score below confidence floor %.2f",
		e.FundID, e.Retrieved, e.Floor)
}

// ConflictError reports a violation of the single-open-recommendation
// invariant. It names the existing open recommendation so the caller can
// resolve it.
type ConflictError struct {
	FundID               string
	OpenRecommendationID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fund %s already has open recommendation %s", e.FundID, e.OpenRecommendationID)
}

// TimeoutError reports a pipeline stage exceeding its deadline for one
// fund. No partial result is persisted when this is returned.
type TimeoutError struct {
	FundID   string
	Stage    string // "retrieval" or "synthesis"
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fund %s: %s exceeded deadline of %s", e.FundID, e.Stage, e.Deadline)
}
