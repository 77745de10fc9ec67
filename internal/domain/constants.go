package domain

// Provider identifies a mail provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderYahoo:
		return true
	}
	return false
}

// JobType describes why a detection job was created.
type JobType string

const (
	JobTypeScheduledScan  JobType = "scheduled_scan"
	JobTypeManualRecheck  JobType = "manual_recheck"
	JobTypeReconciliation JobType = "reconciliation"
	JobTypeDeepScan       JobType = "deep_scan"
)

// JobStatus constants
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusExecuting  JobStatus = "executing"
	JobStatusVerified   JobStatus = "verified"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// OpenJobStatuses are the statuses covered by the one-open-job-per-sent-email rule.
var OpenJobStatuses = []JobStatus{JobStatusPending, JobStatusQueued, JobStatusExecuting}

// IsOpen reports whether s counts as an open job for deduplication.
func (s JobStatus) IsOpen() bool {
	return s == JobStatusPending || s == JobStatusQueued || s == JobStatusExecuting
}

// Job priorities. Lower runs sooner.
const (
	PriorityDeepScan       = 1
	PriorityManualRecheck  = 2
	PriorityHourlySweep    = 3
	PriorityScheduledScan  = 5
	PriorityNightlySweep   = 7
	DefaultScanDelayMinute = 5
)

// ReviewStatus tracks operator handling of a dead-letter entry.
type ReviewStatus string

const (
	ReviewStatusNone           ReviewStatus = ""
	ReviewStatusAwaitingReview ReviewStatus = "awaiting_review"
	ReviewStatusManualCheck    ReviewStatus = "manual_check"
	ReviewStatusRequeued       ReviewStatus = "requeued"
	ReviewStatusResolved       ReviewStatus = "resolved"
)

// ReviewAction is an operator decision on a dead-letter entry.
type ReviewAction string

const (
	ReviewActionRetry        ReviewAction = "retry"
	ReviewActionManualCheck  ReviewAction = "manual_check"
	ReviewActionSkip         ReviewAction = "skip"
	ReviewActionMarkNoReply  ReviewAction = "mark_no_reply"
	ReviewActionMarkHasReply ReviewAction = "mark_has_reply"
)

// Valid reports whether a is a known review action.
func (a ReviewAction) Valid() bool {
	switch a {
	case ReviewActionRetry, ReviewActionManualCheck, ReviewActionSkip, ReviewActionMarkNoReply, ReviewActionMarkHasReply:
		return true
	}
	return false
}

// AnomalyType classifies audit records.
type AnomalyType string

const (
	AnomalyQuorumFailure     AnomalyType = "quorum_failure"
	AnomalyLayerDisagreement AnomalyType = "layer_disagreement"
	AnomalyCountMismatch     AnomalyType = "count_mismatch"
)

// Severity of an anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyStatus is open until resolved through review.
type AnomalyStatus string

const (
	AnomalyStatusOpen     AnomalyStatus = "open"
	AnomalyStatusResolved AnomalyStatus = "resolved"
)

// RunType of a reconciliation sweep.
type RunType string

const (
	RunTypeHourly  RunType = "hourly"
	RunTypeNightly RunType = "nightly"
	RunTypeManual  RunType = "manual"
)

// RunOutcome of a reconciliation sweep.
type RunOutcome string

const (
	RunOutcomeRunning RunOutcome = "running"
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomePartial RunOutcome = "partial"
	RunOutcomeFailed  RunOutcome = "failed"
)

// LayerID names one detection strategy. The set is closed.
type LayerID string

const (
	LayerThreadLookup   LayerID = "thread_lookup"
	LayerMessageID      LayerID = "message_id"
	LayerSenderSweep    LayerID = "sender_sweep"
	LayerDomainSweep    LayerID = "domain_sweep"
	LayerDisplayName    LayerID = "display_name"
	LayerAliasHeuristic LayerID = "alias_heuristic"
	LayerHistory        LayerID = "history"
)

// AllLayers lists every layer in evaluation order.
var AllLayers = []LayerID{
	LayerThreadLookup,
	LayerMessageID,
	LayerSenderSweep,
	LayerDomainSweep,
	LayerDisplayName,
	LayerAliasHeuristic,
	LayerHistory,
}
