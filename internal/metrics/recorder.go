package metrics

import "time"

// Recorder is what the listeners and the dispatcher record into.
type Recorder interface {
	// RecordReceived counts a change event read from Postgres or Kafka.
	RecordReceived()
	// RecordProcessed counts a fully handled event with its latency.
	RecordProcessed(latency time.Duration)
	// RecordDispatched counts an alert email handed to the mailer.
	RecordDispatched()
	RecordError()
	// RecordDiscarded counts events no rule wanted or that could not be decoded.
	RecordDiscarded()
	// RecordDuplicate counts redelivered events suppressed by the dedupe store.
	RecordDuplicate()
	RecordReload()
	RecordReconnect()
}

// NoOp discards all metrics.
type NoOp struct{}

func (NoOp) RecordReceived()               {}
func (NoOp) RecordProcessed(time.Duration) {}
func (NoOp) RecordDispatched()             {}
func (NoOp) RecordError()                  {}
func (NoOp) RecordDiscarded()              {}
func (NoOp) RecordDuplicate()              {}
func (NoOp) RecordReload()                 {}
func (NoOp) RecordReconnect()              {}

var (
	_ Recorder = NoOp{}
	_ Recorder = (*Collector)(nil)
)
