package bus

// Scheduler lifecycle topics, published for observability (the gateway can
// subscribe to surface live status; nothing in the core dispatch path
// depends on a subscriber being present — Publish is always non-blocking).
const (
	TopicTaskFired     = "task.fired"
	TopicTaskSucceeded = "task.succeeded"
	TopicTaskFailed    = "task.failed"
	TopicTaskTimedOut  = "task.timed_out"
	TopicTaskBlocked   = "task.blocked"
)

// TaskLifecycleEvent is published whenever a fire-request is accepted by
// the Runner, and again once its result is finalized.
type TaskLifecycleEvent struct {
	TaskID        int64
	ResultID      int64
	TriggerReason string
	Status        string
}
