package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrLockContention    = errors.New("lock contention")
	ErrLockHeld          = errors.New("lock held by live process")
	ErrPlatformAPI       = errors.New("platform api error")
	ErrRateLimited       = errors.New("rate limited")
	ErrQuotaExhausted    = errors.New("quota exhausted")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrAuth              = errors.New("authentication failed")
	ErrNetwork           = errors.New("network error")
	ErrSpawn             = errors.New("subprocess spawn failed")
	ErrSubprocessTimeout = errors.New("subprocess timed out")
	ErrSubprocessCrash   = errors.New("subprocess crashed")
	ErrExecution         = errors.New("execution error")
	ErrNeedsUserReply    = errors.New("needs user reply")
	ErrStateCorrupt      = errors.New("state corruption")
	ErrWebhookSignature  = errors.New("webhook signature mismatch")
	ErrWebhookPayload    = errors.New("webhook payload invalid")
	ErrNotFound          = errors.New("not found")
	ErrMergeMethodDenied = errors.New("merge method not allowed")
	ErrNotMergeable      = errors.New("pull request not mergeable")
)

// Retryable reports whether an error should be surfaced to the caller as
// transient. Platform and network failures are retried on a later tick;
// everything else needs an explicit decision.
func Retryable(err error) bool {
	return errors.Is(err, ErrPlatformAPI) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrLockContention)
}
