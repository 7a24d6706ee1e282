package linking

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	linkTracer           = otel.Tracer("finlink/linking")
	linkMeter            = otel.Meter("finlink/linking")
	stepTransitions, _   = linkMeter.Int64Counter("linking.step.transitions", metric.WithDescription("Wizard step transitions by source and target step"))
	itemOutcomes, _      = linkMeter.Int64Counter("linking.item.outcomes", metric.WithDescription("Item creation and resync outcomes"))
	streamEventsTotal, _ = linkMeter.Int64Counter("linking.stream.events", metric.WithDescription("Item stream events handled by kind"))
	staleResults, _      = linkMeter.Int64Counter("linking.stale_results", metric.WithDescription("Async results discarded because the session moved on"))
)

const (
	outcomeCreated          = "created"
	outcomeResynced         = "resynced"
	outcomeFailed           = "failed"
	outcomeAccountFailed    = "account_failed"
	outcomeConflictResolved = "conflict_resolved"
	outcomeConflictLost     = "conflict_unresolved"
)
