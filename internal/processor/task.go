package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
	"changealerts/internal/dispatcher"
	"changealerts/internal/events"
)

// eventKey identifies a Kafka record for dispatch deduplication.
func eventKey(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

// processMessage decodes one change event and dispatches it to every rule it satisfies.
// Failures are logged and counted; they never fail the message.
func (p *Processor) processMessage(ctx context.Context, msg kafka.Message, rules []*database.AlertRule) {
	start := time.Now()
	defer func() { p.metrics.RecordProcessed(time.Since(start)) }()

	change, ok, err := events.DecodeEnvelope(msg.Value)
	if err != nil {
		slog.Warn("Discarding malformed change event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		p.metrics.RecordDiscarded()
		return
	}
	if !ok {
		slog.Debug("Ignoring change event without an alertable op", "topic", msg.Topic, "offset", msg.Offset)
		p.metrics.RecordDiscarded()
		return
	}

	for _, rule := range rules {
		if !rule.DatabaseAction.Accepts(change.Action) {
			continue
		}
		matched, err := conditional.Evaluate(rule.ConditionalLogic, change.Fields.Lookup)
		if err != nil {
			slog.Error("Invalid conditional logic on rule", "rule_id", rule.ID, "error", err)
			p.metrics.RecordError()
			continue
		}
		if !matched {
			continue
		}

		alert := dispatcher.Alert{Rule: rule, Fields: change.Fields, EventKey: eventKey(msg)}
		if err := p.dispatcher.Dispatch(ctx, alert); err != nil {
			slog.Error("Failed to dispatch alert",
				"rule_id", rule.ID,
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}
