// Package processor runs the Kafka listener loop: it polls change events for the topics of the
// active rules, hands them to a bounded pool of workers and commits offsets as work completes.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"

	"changealerts/internal/database"
	"changealerts/internal/dispatcher"
	"changealerts/internal/kafkautil"
	"changealerts/internal/metrics"
)

const (
	// finalCommitTimeout bounds the offset commit issued on shutdown.
	finalCommitTimeout = 5 * time.Second
	// defaultTaskTimeout bounds a message's processing when Options leaves it unset.
	defaultTaskTimeout = 60 * time.Second
)

// Source is the consumer group the processor polls.
type Source interface {
	Connect(ctx context.Context, topics []string) error
	Resubscribe(topics []string)
	FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]kafka.Message, error)
	PollControl(ctx context.Context, timeout time.Duration) (bool, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RuleStore loads the active rules.
type RuleStore interface {
	ActiveRules(ctx context.Context, source database.Source) ([]*database.AlertRule, error)
}

// Dispatcher sends an alert for a matched rule.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert dispatcher.Alert) error
}

// HealthCheck reports whether the brokers are reachable.
type HealthCheck func(ctx context.Context) error

// Options tunes the loop.
type Options struct {
	MaxConcurrentJobs  int
	PollMaxMessages    int
	PollTimeout        time.Duration
	ControlPollTimeout time.Duration
	RefreshInterval    time.Duration
	HealthInterval     time.Duration
	TaskTimeout        time.Duration
}

type completion struct {
	msg kafka.Message
}

// Processor is the Kafka listener loop. Run must not be called concurrently.
type Processor struct {
	source     Source
	store      RuleStore
	dispatcher Dispatcher
	health     HealthCheck
	metrics    metrics.Recorder
	opts       Options

	// Loop-owned state.
	rules       map[string][]*database.AlertRule
	tracker     *offsetTracker
	inFlight    int
	lastRefresh time.Time
	lastHealth  time.Time

	sem  *semaphore.Weighted
	done chan completion
}

// New creates a processor.
func New(source Source, store RuleStore, d Dispatcher, health HealthCheck, opts Options) *Processor {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.PollMaxMessages <= 0 {
		opts.PollMaxMessages = 1
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	return &Processor{
		source:     source,
		store:      store,
		dispatcher: d,
		health:     health,
		metrics:    metrics.NoOp{},
		opts:       opts,
		rules:      make(map[string][]*database.AlertRule),
		tracker:    newOffsetTracker(),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		done:       make(chan completion, opts.MaxConcurrentJobs),
	}
}

// SetMetrics sets the metrics recorder.
func (p *Processor) SetMetrics(m metrics.Recorder) {
	if m == nil {
		m = metrics.NoOp{}
	}
	p.metrics = m
}

// Run connects and processes change events until ctx is cancelled. On cancellation it stops
// polling, waits for in-flight tasks, commits and closes the consumers, returning nil. Broker
// outages are recovered from by reconnecting; any other consumer error is returned.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.loadRules(ctx); err != nil {
		return err
	}
	if err := p.source.Connect(ctx, p.topics()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer p.shutdown()

	slog.Info("Kafka listener started",
		"max_concurrent_jobs", p.opts.MaxConcurrentJobs,
		"topics", p.topics(),
	)

	for ctx.Err() == nil {
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if !kafkautil.IsBrokerUnavailable(err) {
				return err
			}
			if err := p.reconnect(ctx, err); err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}
		}
	}

	slog.Info("Kafka listener stopping", "in_flight", p.inFlight)
	return nil
}

// step is one loop iteration: poll when below the cap, check health, collect completions and
// commit.
func (p *Processor) step(ctx context.Context) error {
	if p.inFlight < p.opts.MaxConcurrentJobs {
		signalled, err := p.source.PollControl(ctx, p.opts.ControlPollTimeout)
		if err != nil {
			return err
		}
		if signalled || time.Since(p.lastRefresh) >= p.opts.RefreshInterval {
			p.refresh(ctx, signalled)
		}

		free := p.opts.MaxConcurrentJobs - p.inFlight
		batch, err := p.source.FetchBatch(ctx, min(p.opts.PollMaxMessages, free), p.opts.PollTimeout)
		for _, msg := range batch {
			p.submit(ctx, msg)
		}
		if err != nil {
			return err
		}
	}

	if p.health != nil && time.Since(p.lastHealth) >= p.opts.HealthInterval {
		p.lastHealth = time.Now()
		if err := p.health(ctx); err != nil {
			return fmt.Errorf("broker health check failed: %w", err)
		}
	}

	p.collect(ctx, p.inFlight >= p.opts.MaxConcurrentJobs)
	p.commit(ctx)
	return nil
}

// submit hands msg to a worker, or marks it done straight away when no rule wants it.
func (p *Processor) submit(ctx context.Context, msg kafka.Message) {
	p.metrics.RecordReceived()
	p.tracker.Add(msg)

	rules := p.rules[msg.Topic]
	if len(rules) == 0 || len(msg.Value) == 0 {
		slog.Debug("Discarding message with no matching rule", "topic", msg.Topic, "offset", msg.Offset)
		p.metrics.RecordDiscarded()
		p.tracker.Done(msg)
		return
	}

	// Never blocks: the loop only fetches as many messages as there are free slots.
	if err := p.sem.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		p.tracker.Done(msg)
		return
	}
	p.inFlight++

	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.sem.Release(1)
		tctx, cancel := context.WithTimeout(taskCtx, p.opts.TaskTimeout)
		defer cancel()
		p.processMessage(tctx, msg, rules)
		p.done <- completion{msg: msg}
	}()
}

// collect records finished tasks. When block is set it first waits for at least one.
func (p *Processor) collect(ctx context.Context, block bool) {
	if block && p.inFlight > 0 {
		select {
		case c := <-p.done:
			p.finish(c)
		case <-ctx.Done():
			return
		}
	}
	for {
		select {
		case c := <-p.done:
			p.finish(c)
		default:
			return
		}
	}
}

func (p *Processor) finish(c completion) {
	p.inFlight--
	p.tracker.Done(c.msg)
}

// waitAll blocks until every in-flight task has finished.
func (p *Processor) waitAll() {
	for p.inFlight > 0 {
		p.finish(<-p.done)
	}
}

func (p *Processor) commit(ctx context.Context) {
	msgs := p.tracker.Committable()
	if len(msgs) == 0 {
		return
	}
	if err := p.source.Commit(ctx, msgs...); err != nil {
		slog.Error("Failed to commit offsets", "error", err)
		p.metrics.RecordError()
	}
}

// refresh reloads the active rules and resubscribes when the topic set changed. Tasks of the
// old subscription are finished and committed first.
func (p *Processor) refresh(ctx context.Context, signalled bool) {
	before := p.topics()
	if err := p.loadRules(ctx); err != nil {
		slog.Error("Failed to reload rules, keeping previous set", "error", err)
		p.metrics.RecordError()
		return
	}
	if signalled {
		p.metrics.RecordReload()
	}

	after := p.topics()
	if slices.Equal(before, after) {
		return
	}
	p.waitAll()
	p.commit(ctx)
	p.tracker.Reset()
	p.source.Resubscribe(after)
}

func (p *Processor) loadRules(ctx context.Context) error {
	rules, err := p.store.ActiveRules(ctx, database.SourceKafka)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}
	byTopic := make(map[string][]*database.AlertRule)
	for _, r := range rules {
		if r.Topic == "" {
			continue
		}
		byTopic[r.Topic] = append(byTopic[r.Topic], r)
	}
	p.rules = byTopic
	p.lastRefresh = time.Now()
	slog.Debug("Loaded active Kafka rules", "rule_count", len(rules), "topic_count", len(byTopic))
	return nil
}

func (p *Processor) topics() []string {
	out := make([]string, 0, len(p.rules))
	for t := range p.rules {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// reconnect replaces the consumers after a broker outage. Offsets not yet committed are
// redelivered by the new readers.
func (p *Processor) reconnect(ctx context.Context, cause error) error {
	slog.Warn("Kafka brokers unavailable, reconnecting", "error", cause)
	p.metrics.RecordReconnect()

	p.waitAll()
	p.tracker.Reset()
	if err := p.source.Close(); err != nil {
		slog.Warn("Error closing consumers", "error", err)
	}

	if err := p.loadRules(ctx); err != nil {
		slog.Error("Failed to reload rules before reconnect, keeping previous set", "error", err)
	}
	if err := p.source.Connect(ctx, p.topics()); err != nil {
		return err
	}
	p.lastHealth = time.Now()
	slog.Info("Kafka consumers reconnected", "topics", p.topics())
	return nil
}

func (p *Processor) shutdown() {
	p.waitAll()
	ctx, cancel := context.WithTimeout(context.Background(), finalCommitTimeout)
	defer cancel()
	p.commit(ctx)
	if err := p.source.Close(); err != nil {
		slog.Warn("Error closing consumers", "error", err)
	}
	slog.Info("Kafka listener stopped")
}
