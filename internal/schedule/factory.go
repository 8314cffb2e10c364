package schedule

import "time"

// Kind names one of the three dispatcher strategies spec.md §4.11
// defines, selectable per IO loop.
type Kind string

const (
	KindPriority Kind = "priority"
	KindFair     Kind = "fair"
	KindEDF      Kind = "edf"
)

// New builds the named dispatcher. lowDelay only applies to the
// priority dispatcher; it is ignored otherwise.
func New(kind Kind, maxInflight int, lowDelay time.Duration, onTaskDone onTaskDoneHook) Dispatcher {
	switch kind {
	case KindFair:
		return NewFairDispatcher(maxInflight, onTaskDone)
	case KindEDF:
		return NewEDFDispatcher(maxInflight, onTaskDone)
	default:
		return NewPriorityDispatcher(maxInflight, lowDelay, onTaskDone)
	}
}
