// Package quorum turns per-layer results into one found/not-found verdict.
package quorum

import (
	"github.com/cuongbtq/replywatch/internal/domain"
)

const (
	DefaultMinHealthyLayers    = 3
	DefaultMinConfirmingLayers = 2

	majorityOnlyPenalty = 0.8
)

// Policy controls how much agreement a verdict needs.
type Policy struct {
	MinHealthyLayers    int
	MinConfirmingLayers int
	// AcceptMajority treats a found-majority below MinConfirmingLayers as found.
	AcceptMajority bool
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		MinHealthyLayers:    DefaultMinHealthyLayers,
		MinConfirmingLayers: DefaultMinConfirmingLayers,
		AcceptMajority:      true,
	}
}

// Aggregate computes the verdict for one attempt.
func Aggregate(results []domain.LayerExecutionResult, p Policy) domain.QuorumResult {
	if p.MinHealthyLayers <= 0 {
		p.MinHealthyLayers = DefaultMinHealthyLayers
	}
	if p.MinConfirmingLayers <= 0 {
		p.MinConfirmingLayers = DefaultMinConfirmingLayers
	}

	q := domain.QuorumResult{
		HealthyLayers: []domain.LayerID{},
		FoundLayers:   []domain.LayerID{},
		FailedLayers:  []domain.LayerID{},
	}

	var confidenceSum float64
	for _, r := range results {
		if !r.Healthy {
			q.FailedLayers = append(q.FailedLayers, r.Layer)
			continue
		}
		q.HealthyLayers = append(q.HealthyLayers, r.Layer)
		if r.Found {
			q.FoundLayers = append(q.FoundLayers, r.Layer)
			confidenceSum += r.Confidence
		}
	}

	healthy, found := len(q.HealthyLayers), len(q.FoundLayers)
	q.QuorumMet = healthy >= p.MinHealthyLayers
	q.PendingReview = !q.QuorumMet
	if !q.QuorumMet {
		return q
	}

	confirmed := found >= p.MinConfirmingLayers
	majority := p.AcceptMajority && found > healthy-found
	q.Found = confirmed || majority
	q.MajorityOnly = q.Found && !confirmed

	if q.Found {
		agreement := float64(found) / float64(healthy)
		q.Confidence = (agreement + confidenceSum/float64(found)) / 2
		if q.MajorityOnly {
			q.Confidence *= majorityOnlyPenalty
		}
	}
	return q
}

// Disagreement reports whether a found verdict had dissenting healthy layers.
func Disagreement(q domain.QuorumResult) bool {
	return q.Found && len(q.FoundLayers) < len(q.HealthyLayers)
}

// SplitVote reports a met quorum that did not reach a verdict although some
// layers found a reply.
func SplitVote(q domain.QuorumResult) bool {
	return q.QuorumMet && !q.Found && len(q.FoundLayers) > 0
}

// DisagreementSeverity scales with the margin the verdict won by. A found
// verdict that most healthy layers dissented from has a negative margin.
func DisagreementSeverity(q domain.QuorumResult) domain.Severity {
	found := len(q.FoundLayers)
	margin := found - (len(q.HealthyLayers) - found)
	if !q.Found {
		margin = -margin
	}
	switch {
	case margin <= 1:
		return domain.SeverityHigh
	case margin <= 2:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Details renders q as anomaly details.
func Details(q domain.QuorumResult) domain.Details {
	return domain.Details{
		"healthy_layers": q.HealthyLayers,
		"found_layers":   q.FoundLayers,
		"failed_layers":  q.FailedLayers,
		"quorum_met":     q.QuorumMet,
		"found":          q.Found,
		"majority_only":  q.MajorityOnly,
		"confidence":     q.Confidence,
	}
}
