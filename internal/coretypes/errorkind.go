package coretypes

// ErrorKind is the coordinator-internal error taxonomy (spec.md §7). It is
// carried on attempts and on coreerrors.CoreError so the scheduler can
// decide retry vs. fail without string matching.
type ErrorKind string

const (
	ErrorKindInvalidInput      ErrorKind = "invalid-input"
	ErrorKindSpawnFailed       ErrorKind = "spawn-failed"
	ErrorKindWorkerNonzeroExit ErrorKind = "worker-nonzero-exit"
	ErrorKindWorkerKilled      ErrorKind = "worker-killed-by-signal"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindIOError           ErrorKind = "io-error"
	ErrorKindInvalidTransition ErrorKind = "invalid-transition"
	ErrorKindCapabilityUnmet   ErrorKind = "capability-unmet"
	ErrorKindDependencyFailed  ErrorKind = "dependency-failed"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// Retriable reports whether a failure of this kind should be retried by the
// scheduler, per spec.md §7's propagation policy.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrorKindWorkerNonzeroExit, ErrorKindWorkerKilled, ErrorKindTimeout, ErrorKindIOError:
		return true
	default:
		return false
	}
}
