package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already executing or finished
	ErrJobAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrJobStateChanged is returned when a job left the expected status before an update was applied
	ErrJobStateChanged = errors.New("job status changed concurrently")

	// ErrDuplicateJob is returned when a sent email already has a pending, queued or executing job
	ErrDuplicateJob = errors.New("open detection job already exists for sent email")

	// ErrSentEmailNotFound is returned when the sent email referenced by a job does not exist
	ErrSentEmailNotFound = errors.New("sent email not found")

	// ErrContactNotFound is returned when the contact referenced by a job does not exist
	ErrContactNotFound = errors.New("contact not found")

	// ErrReplyNotFound is returned when no reply is stored for a sent email
	ErrReplyNotFound = errors.New("reply not found")

	// ErrProviderAccountNotFound is returned when a user has no connected account for a provider
	ErrProviderAccountNotFound = errors.New("provider account not found")

	// ErrAnomalyNotFound is returned when an anomaly cannot be found
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrHealthCheckFailed marks an attempt that never ran layers
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrQuorumNotMet marks an attempt whose layers could not agree on a verdict
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrPersistenceFailed marks an attempt whose verdict could not be durably written
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrVerificationFailed marks an attempt that did not pass the final verification gate
	ErrVerificationFailed = errors.New("verification failed")

	// ErrNotDeadLettered is returned when a review targets a job outside the dead-letter queue
	ErrNotDeadLettered = errors.New("job is not in dead letter")

	// ErrInvalidReviewAction is returned for unknown review actions or missing action input
	ErrInvalidReviewAction = errors.New("invalid review action")

	// ErrForbidden is returned when a user acts on another user's job
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
