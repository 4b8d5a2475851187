// Package work provides the single-flight background work processor.
// Maintenance work (review expiry sweeps, index rebuilds, corpus backups)
// runs event-driven through one processor with explicit dependencies,
// instead of a pile of ad-hoc tickers.
package work

import (
	"context"
	"strings"
	"time"
)

// WorkTimeout is the maximum duration a work item can run before being cancelled.
const WorkTimeout = 7 * time.Minute

// MaxRetries is the maximum number of times a failed work item will be retried.
const MaxRetries = 10

// Priority defines the execution priority of work types.
type Priority int

const (
	// PriorityLow is for non-urgent work (backups, checkpoints).
	PriorityLow Priority = iota
	// PriorityMedium is for regular background work (index maintenance).
	PriorityMedium
	// PriorityHigh is for deadline-bearing work (review SLA sweeps).
	PriorityHigh
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// WorkType defines a type of work that can be executed.
// Work types are registered once and can generate multiple work items.
type WorkType struct {
	// ID is the unique identifier for this work type (e.g., "review:expire", "index:rebuild").
	ID string

	// DependsOn lists work type IDs that must complete before this work can run.
	// For per-fund work, dependencies are scoped to the same subject.
	DependsOn []string

	// Interval is the minimum time between runs (0 = on-demand only).
	Interval time.Duration

	// Priority determines execution order when multiple work items are eligible.
	Priority Priority

	// FindSubjects returns subjects (fund ids) that need this work.
	// Returns []string{""} for global work, nil if no work needed.
	FindSubjects func() []string

	// Execute performs the work for a given subject.
	// Subject is empty string for global work, a fund id for per-fund work.
	Execute func(ctx context.Context, subject string) error
}

// WorkItem represents a specific unit of work to be executed.
type WorkItem struct {
	// ID is the full work ID including subject (e.g., "review:expire" or "baseline:refresh:FUND-1").
	ID string

	// TypeID is the work type ID (e.g., "review:expire").
	TypeID string

	// Subject is the fund id for per-fund work, empty for global work.
	Subject string

	// Retries is the number of times this item has been retried.
	Retries int

	// CreatedAt is when this work item was created.
	CreatedAt time.Time
}

// NewWorkItem creates a new work item from a work type and subject.
func NewWorkItem(workType *WorkType, subject string) *WorkItem {
	id := workType.ID
	if subject != "" {
		id = workType.ID + ":" + subject
	}

	return &WorkItem{
		ID:        id,
		TypeID:    workType.ID,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
}

// ParseWorkID extracts the work type ID and subject from a full work ID.
// Work type IDs have the format "category:type"; anything after the second
// colon is the subject.
func ParseWorkID(id string) (typeID string, subject string) {
	parts := strings.Split(id, ":")
	if len(parts) <= 2 {
		return id, ""
	}
	return strings.Join(parts[:len(parts)-1], ":"), parts[len(parts)-1]
}
