// Package consumer manages the Kafka listener's two group readers: one over the topics of the
// active rules and one over the rule-changed control topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"

	"changealerts/internal/kafkautil"
)

// controlDrainTimeout bounds each extra fetch used to collapse queued control signals.
const controlDrainTimeout = 10 * time.Millisecond

// Reader is the subset of *kafka.Reader the group uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Group.
type Options struct {
	Brokers        []string
	GroupID        string
	ControlGroupID string
	ControlTopic   string
	RetryDelay     time.Duration
}

// Group owns the data and control readers. It is not safe for concurrent use; the processor
// loop is its only caller.
type Group struct {
	opts    Options
	topics  []string
	data    Reader
	control Reader

	newReader func(kafka.ReaderConfig) Reader
	probe     func(ctx context.Context, brokers []string) error
}

// New creates an unconnected group.
func New(opts Options) (*Group, error) {
	if err := kafkautil.ValidateConsumerParams(opts.Brokers, opts.GroupID); err != nil {
		return nil, err
	}
	if opts.ControlTopic == "" {
		return nil, fmt.Errorf("control topic cannot be empty")
	}
	if opts.ControlGroupID == "" {
		opts.ControlGroupID = opts.GroupID
	}
	return &Group{
		opts: opts,
		newReader: func(cfg kafka.ReaderConfig) Reader {
			kafkautil.LogReaderConfig(cfg)
			return kafka.NewReader(cfg)
		},
		probe: kafkautil.Probe,
	}, nil
}

// Connect probes the brokers and opens both readers, retrying every RetryDelay while the
// brokers are unreachable. Any other error is returned immediately, as is ctx's error.
func (g *Group) Connect(ctx context.Context, topics []string) error {
	for attempt := 1; ; attempt++ {
		err := g.probe(ctx, g.opts.Brokers)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !kafkautil.IsBrokerUnavailable(err) {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		slog.Warn("Kafka brokers unavailable, retrying",
			"brokers", g.opts.Brokers,
			"attempt", attempt,
			"retry_delay", g.opts.RetryDelay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.opts.RetryDelay):
		}
	}

	g.closeReaders()
	g.control = g.newReader(kafkautil.NewReaderConfig(g.opts.Brokers, g.opts.ControlGroupID, []string{g.opts.ControlTopic}))
	g.subscribe(topics)

	slog.Info("Kafka consumers connected",
		"group_id", g.opts.GroupID,
		"control_topic", g.opts.ControlTopic,
		"topics", g.topics,
	)
	return nil
}

// Topics returns the topics the data reader is subscribed to.
func (g *Group) Topics() []string {
	return g.topics
}

// Resubscribe replaces the data reader's topic set. It is a no-op when the set is unchanged.
func (g *Group) Resubscribe(topics []string) {
	topics = normalize(topics)
	if slices.Equal(topics, g.topics) && (g.data != nil || len(topics) == 0) {
		return
	}
	if g.data != nil {
		if err := g.data.Close(); err != nil {
			slog.Warn("Error closing data reader", "error", err)
		}
		g.data = nil
	}
	added, removed := diff(g.topics, topics)
	slog.Info("Resubscribing data consumer", "topics", topics, "added", added, "removed", removed)
	g.subscribe(topics)
}

func (g *Group) subscribe(topics []string) {
	g.topics = normalize(topics)
	if len(g.topics) == 0 {
		g.data = nil
		return
	}
	g.data = g.newReader(kafkautil.NewReaderConfig(g.opts.Brokers, g.opts.GroupID, g.topics))
}

// FetchBatch returns up to max data messages, waiting at most timeout. Running out of time is
// not an error. With no subscribed topics it waits out the timeout and returns nothing.
func (g *Group) FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if g.data == nil {
		<-fetchCtx.Done()
		return nil, nil
	}

	var batch []kafka.Message
	for len(batch) < max {
		msg, err := g.data.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return batch, nil
			}
			return batch, fmt.Errorf("failed to fetch message: %w", err)
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// PollControl reports whether a rule-changed signal arrived within timeout. Queued signals are
// collapsed into one and committed.
func (g *Group) PollControl(ctx context.Context, timeout time.Duration) (bool, error) {
	if g.control == nil {
		return false, nil
	}

	last, ok, err := g.fetchOne(ctx, timeout)
	if err != nil || !ok {
		return false, err
	}
	for {
		msg, more, err := g.fetchOne(ctx, controlDrainTimeout)
		if err != nil {
			return false, err
		}
		if !more {
			break
		}
		last = msg
	}

	if err := g.control.CommitMessages(ctx, last); err != nil {
		return true, fmt.Errorf("failed to commit control message: %w", err)
	}
	slog.Debug("Rule change signal received", "topic", last.Topic, "offset", last.Offset)
	return true, nil
}

func (g *Group) fetchOne(ctx context.Context, timeout time.Duration) (kafka.Message, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := g.control.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return kafka.Message{}, false, nil
		}
		return kafka.Message{}, false, fmt.Errorf("failed to fetch control message: %w", err)
	}
	return msg, true, nil
}

// Commit queues offsets for commit. The reader flushes them asynchronously.
func (g *Group) Commit(ctx context.Context, msgs ...kafka.Message) error {
	if g.data == nil || len(msgs) == 0 {
		return nil
	}
	if err := g.data.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

// Close closes both readers.
func (g *Group) Close() error {
	slog.Info("Closing Kafka consumers", "group_id", g.opts.GroupID)
	return g.closeReaders()
}

func (g *Group) closeReaders() error {
	var errs []error
	if g.data != nil {
		errs = append(errs, g.data.Close())
		g.data = nil
	}
	if g.control != nil {
		errs = append(errs, g.control.Close())
		g.control = nil
	}
	return errors.Join(errs...)
}

func normalize(topics []string) []string {
	out := slices.Clone(topics)
	slices.Sort(out)
	return slices.Compact(out)
}

func diff(old, updated []string) (added, removed []string) {
	for _, t := range updated {
		if !slices.Contains(old, t) {
			added = append(added, t)
		}
	}
	for _, t := range old {
		if !slices.Contains(updated, t) {
			removed = append(removed, t)
		}
	}
	return added, removed
}
