package events

// EventData is the interface that all event data types must implement.
// This allows for type-safe event data while maintaining flexibility.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SignalsIngestedData contains data for SignalsIngested events
type SignalsIngestedData struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// EventType returns the event type for SignalsIngestedData
func (d *SignalsIngestedData) EventType() EventType {
	return SignalsIngested
}

// FingerprintCreatedData contains data for FingerprintCreated events
type FingerprintCreatedData struct {
	FingerprintID string `json:"fingerprint_id"`
	FundID        string `json:"fund_id"`
	VolRegime     string `json:"vol_regime"`
}

// EventType returns the event type for FingerprintCreatedData
func (d *FingerprintCreatedData) EventType() EventType {
	return FingerprintCreated
}

// RecommendationProposedData contains data for RecommendationProposed events
type RecommendationProposedData struct {
	RecommendationID string  `json:"recommendation_id"`
	FundID           string  `json:"fund_id"`
	TopAction        string  `json:"top_action"`
	TopConfidence    float64 `json:"top_confidence"`
	ActionCount      int     `json:"action_count"`
}

// EventType returns the event type for RecommendationProposedData
func (d *RecommendationProposedData) EventType() EventType {
	return RecommendationProposed
}

// RecommendationClaimedData contains data for RecommendationClaimed events
type RecommendationClaimedData struct {
	RecommendationID string `json:"recommendation_id"`
	FundID           string `json:"fund_id"`
}

// EventType returns the event type for RecommendationClaimedData
func (d *RecommendationClaimedData) EventType() EventType {
	return RecommendationClaimed
}

// RecommendationDecidedData contains data for RecommendationDecided events
type RecommendationDecidedData struct {
	RecommendationID string `json:"recommendation_id"`
	FundID           string `json:"fund_id"`
	Status           string `json:"status"`
	DecidedBy        string `json:"decided_by"`
}

// EventType returns the event type for RecommendationDecidedData
func (d *RecommendationDecidedData) EventType() EventType {
	return RecommendationDecided
}

// RecommendationExpiredData contains data for RecommendationExpired events
type RecommendationExpiredData struct {
	RecommendationID string `json:"recommendation_id"`
	FundID           string `json:"fund_id"`
}

// EventType returns the event type for RecommendationExpiredData
func (d *RecommendationExpiredData) EventType() EventType {
	return RecommendationExpired
}

// EpisodeRecordedData contains data for EpisodeRecorded events
type EpisodeRecordedData struct {
	EpisodeID string `json:"episode_id"`
	Action    string `json:"action"`
}

// EventType returns the event type for EpisodeRecordedData
func (d *EpisodeRecordedData) EventType() EventType {
	return EpisodeRecorded
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
