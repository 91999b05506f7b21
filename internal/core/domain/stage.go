package domain

// Stage identifies which part of the feed lifecycle a queue message belongs
// to. The four logical queues are a projection of this enum; keeping the
// dispatch on one tagged value keeps the shared transition invariants
// (lock-renew-before-commit, counter reset rules) in one place.
type Stage string

const (
	StageRegistering Stage = "registering"
	StagePolling     Stage = "polling"
	StagePurging     Stage = "purging"
)

// Logical queue names, fixed.
const (
	QueuePoll           = "poll"
	QueuePollDeadLetter = "poll-dead-letter"
	QueuePurge          = "purge"
	QueueRegistration   = "registration"
)

// AllQueues lists every queue the reconciler and status surface must sample.
var AllQueues = []string{QueuePoll, QueuePollDeadLetter, QueuePurge, QueueRegistration}

// QueueFor maps a lifecycle stage to the queue that drives it.
func QueueFor(stage Stage) string {
	switch stage {
	case StageRegistering:
		return QueueRegistration
	case StagePurging:
		return QueuePurge
	default:
		return QueuePoll
	}
}
