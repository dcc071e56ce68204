package asynq

import "strings"

const (
	TransportLocal = "local"
	TransportAsynq = "asynq"

	QueueTriggers = "triggers"
	QueueDefault  = "default"
	QueueLow      = "low"

	// TriggerTaskPrefix prefixes every task type carrying a trigger event.
	TriggerTaskPrefix = "trigger:"
)

// TriggerTaskType returns the asynq task type for a trigger name.
func TriggerTaskType(name string) string {
	return TriggerTaskPrefix + name
}

// TriggerName strips the task prefix, reporting false for non-trigger tasks.
func TriggerName(taskType string) (string, bool) {
	if !strings.HasPrefix(taskType, TriggerTaskPrefix) {
		return "", false
	}
	return strings.TrimPrefix(taskType, TriggerTaskPrefix), true
}
