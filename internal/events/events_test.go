package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypedSubscription(t *testing.T) {
	bus := NewBus()

	var got []*Event
	bus.Subscribe(RecommendationProposed, func(e *Event) {
		got = append(got, e)
	})

	bus.Publish(&RecommendationProposedData{RecommendationID: "rec-1", FundID: "FUND-1"})
	bus.Publish(&EpisodeRecordedData{EpisodeID: "ep-1"}) // different type, not delivered

	require.Len(t, got, 1)
	assert.Equal(t, RecommendationProposed, got[0].Type)
	assert.False(t, got[0].Timestamp.IsZero())

	data := got[0].Data.(*RecommendationProposedData)
	assert.Equal(t, "rec-1", data.RecommendationID)
}

func TestBus_MultipleHandlersPerType(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(FingerprintCreated, func(e *Event) { calls++ })
	bus.Subscribe(FingerprintCreated, func(e *Event) { calls++ })

	bus.Publish(&FingerprintCreatedData{FingerprintID: "fp-1"})
	assert.Equal(t, 2, calls)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var types []EventType
	bus.SubscribeAll(func(e *Event) {
		types = append(types, e.Type)
	})

	bus.Publish(&SignalsIngestedData{Accepted: 3})
	bus.Publish(&RecommendationExpiredData{RecommendationID: "rec-1"})
	bus.Publish(&BackupCompletedData{Key: "riskmatch-backup-1"})

	assert.Equal(t, []EventType{SignalsIngested, RecommendationExpired, BackupCompleted}, types)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(&RecommendationClaimedData{RecommendationID: "rec-1"})
	})
}

func TestEventDataTypes(t *testing.T) {
	cases := []struct {
		data EventData
		want EventType
	}{
		{&SignalsIngestedData{}, SignalsIngested},
		{&FingerprintCreatedData{}, FingerprintCreated},
		{&RecommendationProposedData{}, RecommendationProposed},
		{&RecommendationClaimedData{}, RecommendationClaimed},
		{&RecommendationDecidedData{}, RecommendationDecided},
		{&RecommendationExpiredData{}, RecommendationExpired},
		{&EpisodeRecordedData{}, EpisodeRecorded},
		{&BackupCompletedData{}, BackupCompleted},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.data.EventType())
	}
}
