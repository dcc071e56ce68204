package taskname

const (
	// Content lifecycle
	ContentPosted    = "content.posted"
	ContentFailed    = "content.failed"
	ContentScheduled = "content.scheduled"

	// Metrics / reward pipeline
	MetricsCollected = "metrics.collected"
	MetricsApplied   = "metrics.applied"

	// Budget guard
	BudgetDenied = "budget.denied"
)

// Known lists every trigger name emitted by the worker itself.
var Known = []string{
	ContentPosted,
	ContentFailed,
	ContentScheduled,
	MetricsCollected,
	MetricsApplied,
	BudgetDenied,
}
