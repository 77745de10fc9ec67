package quorum

import (
	"testing"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/stretchr/testify/assert"
)

// results builds layer results in AllLayers order: unhealthy first, then
// found, then healthy-not-found.
func results(unhealthy, found, notFound int) []domain.LayerExecutionResult {
	var out []domain.LayerExecutionResult
	i := 0
	next := func() domain.LayerID {
		id := domain.AllLayers[i%len(domain.AllLayers)]
		i++
		return id
	}
	for n := 0; n < unhealthy; n++ {
		out = append(out, domain.LayerExecutionResult{Layer: next(), Error: "provider error"})
	}
	for n := 0; n < found; n++ {
		out = append(out, domain.LayerExecutionResult{Layer: next(), Healthy: true, Found: true, Confidence: 0.8})
	}
	for n := 0; n < notFound; n++ {
		out = append(out, domain.LayerExecutionResult{Layer: next(), Healthy: true})
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name             string
		unhealthy        int
		found            int
		notFound         int
		policy           Policy
		wantQuorum       bool
		wantFound        bool
		wantMajorityOnly bool
		wantPending      bool
	}{
		{
			name:      "seven layers, two unhealthy, three found",
			unhealthy: 2, found: 3, notFound: 2,
			policy:     DefaultPolicy(),
			wantQuorum: true, wantFound: true,
		},
		{
			name:      "two healthy layers both found",
			unhealthy: 5, found: 2,
			policy:      DefaultPolicy(),
			wantPending: true,
		},
		{
			name:      "two healthy layers none found",
			unhealthy: 5, notFound: 2,
			policy:      DefaultPolicy(),
			wantPending: true,
		},
		{
			name:     "clean miss",
			notFound: 4,
			policy:   DefaultPolicy(),
			wantQuorum: true,
		},
		{
			name:  "single layer majority accepted",
			found: 1, notFound: 0, unhealthy: 0,
			policy:     Policy{MinHealthyLayers: 1, MinConfirmingLayers: 2, AcceptMajority: true},
			wantQuorum: true, wantFound: true, wantMajorityOnly: true,
		},
		{
			name:  "single layer majority rejected when relaxation disabled",
			found: 1,
			policy:     Policy{MinHealthyLayers: 1, MinConfirmingLayers: 2},
			wantQuorum: true,
		},
		{
			name:  "one of three found is not a majority",
			found: 1, notFound: 2,
			policy:     DefaultPolicy(),
			wantQuorum: true,
		},
		{
			name:  "two of five found meets confirming threshold",
			found: 2, notFound: 3,
			policy:     DefaultPolicy(),
			wantQuorum: true, wantFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Aggregate(results(tt.unhealthy, tt.found, tt.notFound), tt.policy)

			assert.Equal(t, tt.wantQuorum, q.QuorumMet)
			assert.Equal(t, tt.wantFound, q.Found)
			assert.Equal(t, tt.wantMajorityOnly, q.MajorityOnly)
			assert.Equal(t, tt.wantPending, q.PendingReview)
			assert.Len(t, q.FailedLayers, tt.unhealthy)
			assert.Len(t, q.HealthyLayers, tt.found+tt.notFound)
			assert.Len(t, q.FoundLayers, tt.found)
			if !q.Found {
				assert.Zero(t, q.Confidence)
			}
		})
	}
}

func TestAggregate_Confidence(t *testing.T) {
	q := Aggregate(results(0, 4, 0), DefaultPolicy())
	assert.InDelta(t, 0.9, q.Confidence, 1e-9)

	q = Aggregate(results(0, 2, 2), DefaultPolicy())
	assert.InDelta(t, 0.65, q.Confidence, 1e-9)

	majority := Aggregate(results(0, 1, 0), Policy{MinHealthyLayers: 1, MinConfirmingLayers: 2, AcceptMajority: true})
	assert.InDelta(t, 0.72, majority.Confidence, 1e-9)
}

func TestAggregate_ZeroPolicyUsesDefaults(t *testing.T) {
	q := Aggregate(results(5, 2, 0), Policy{})
	assert.False(t, q.QuorumMet)
}

func TestDisagreementAndSeverity(t *testing.T) {
	tests := []struct {
		name         string
		found        int
		notFound     int
		wantDisagree bool
		wantSplit    bool
		wantSeverity domain.Severity
	}{
		{name: "unanimous", found: 4, wantSeverity: domain.SeverityLow},
		{name: "three to two", found: 3, notFound: 2, wantDisagree: true, wantSeverity: domain.SeverityHigh},
		{name: "four to two", found: 4, notFound: 2, wantDisagree: true, wantSeverity: domain.SeverityMedium},
		{name: "five to one", found: 5, notFound: 1, wantDisagree: true, wantSeverity: domain.SeverityLow},
		{name: "one to three split", found: 1, notFound: 3, wantSplit: true, wantSeverity: domain.SeverityMedium},
		{name: "two to two", found: 2, notFound: 2, wantDisagree: true, wantSeverity: domain.SeverityHigh},
		{name: "two to five outvoted", found: 2, notFound: 5, wantDisagree: true, wantSeverity: domain.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Aggregate(results(0, tt.found, tt.notFound), DefaultPolicy())

			assert.Equal(t, tt.wantDisagree, Disagreement(q))
			assert.Equal(t, tt.wantSplit, SplitVote(q))
			assert.Equal(t, tt.wantSeverity, DisagreementSeverity(q))
		})
	}
}
