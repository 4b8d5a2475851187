package domain

import "time"

// Mitigation actions recorded in the historical corpus. The set is open:
// new actions appear as reviewers approve recommendations, so these are
// conventions rather than an enum.
const (
	ActionReduceEquity    = "reduce_equity_exposure"
	ActionHedgeDownside   = "hedge_downside"
	ActionRaiseCash       = "raise_cash_buffer"
	ActionRotateDefensive = "rotate_to_defensives"
	ActionTightenLimits   = "tighten_risk_limits"
	ActionNoAction        = "no_action"
)

// HistoricalEpisode is one entry in the retrieval corpus: a past risk
// fingerprint paired with the mitigation action taken and the performance
// delta observed afterwards. Episodes are write-once; the live pipeline
// reads them as retrieval targets and never mutates them.
type HistoricalEpisode struct {
	ID          string          `json:"id"`
	Fingerprint RiskFingerprint `json:"fingerprint"`
	// Action is the mitigation that was actually taken.
	Action string `json:"action"`
	// PerformanceDelta is the observed relative performance versus doing
	// nothing, over the evaluation horizon (e.g. +0.02 = 2% better).
	PerformanceDelta float64 `json:"performance_delta"`
	Narrative  string    `json:"narrative"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ScoredEpisode pairs an episode with its similarity to a query fingerprint.
type ScoredEpisode struct {
	Episode    HistoricalEpisode `json:"episode"`
	Similarity float64           `json:"similarity"`
}
