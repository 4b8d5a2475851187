package domain

import "time"

// RecommendationStatus is the review workflow state of a recommendation.
type RecommendationStatus string

const (
	StatusProposed    RecommendationStatus = "proposed"
	StatusUnderReview RecommendationStatus = "under_review"
	StatusApproved    RecommendationStatus = "approved"
	StatusRejected    RecommendationStatus = "rejected"
	StatusExpired     RecommendationStatus = "expired"
)

// Terminal reports whether the status is immutable.
func (s RecommendationStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the workflow permits moving from s to next.
// The machine is proposed -> under_review -> {approved, rejected}, with
// expiry allowed from either non-terminal state.
func (s RecommendationStatus) CanTransitionTo(next RecommendationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusProposed:
		return next == StatusUnderReview || next == StatusExpired
	case StatusUnderReview:
		return next == StatusApproved || next == StatusRejected || next == StatusExpired
	}
	return false
}

// RankedAction is one candidate mitigation with its confidence and full
// provenance. A ranked action with no supporting episodes is invalid by
// construction: every recommendation must be explainable.
type RankedAction struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	// SupportingEpisodes lists the episode ids whose outcomes produced
	// this action's confidence, strongest match first.
	SupportingEpisodes []string `json:"supporting_episodes"`
	// LatestEpisodeAt is the recording time of the most recent supporting
	// episode; used for tie-breaking between equal confidences.
	LatestEpisodeAt time.Time `json:"latest_episode_at"`
}

// Recommendation is a ranked, evidence-backed set of candidate mitigations
// awaiting a human decision. Mutable only through the review workflow; at
// most one non-terminal recommendation exists per fund at any time.
type Recommendation struct {
	ID            string               `json:"id"`
	FundID        string               `json:"fund_id"`
	FingerprintID string               `json:"fingerprint_id"`
	Actions       []RankedAction       `json:"actions"`
	Status        RecommendationStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	ClaimedBy     string               `json:"claimed_by,omitempty"`
	DecidedAt     *time.Time           `json:"decided_at,omitempty"`
	DecidedBy     string               `json:"decided_by,omitempty"`
	Rationale     string               `json:"rationale,omitempty"`
}

// TopAction returns the highest-confidence action, or "" when empty.
func (r *Recommendation) TopAction() string {
	if len(r.Actions) == 0 {
		return ""
	}
	return r.Actions[0].Action
}
