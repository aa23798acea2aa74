// Package kafkautil provides shared Kafka helpers for the listener, the control producer and
// alertctl.
package kafkautil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// CommitInterval is how often queued offset commits are flushed to the broker.
	CommitInterval = 1 * time.Second
	// WriteTimeout is the maximum time to wait for a Kafka write operation.
	WriteTimeout = 10 * time.Second
	// DialTimeout bounds a single broker connection attempt.
	DialTimeout = 5 * time.Second
	// MaxPollWait is the longest a fetch waits for the broker to fill a batch.
	MaxPollWait = 500 * time.Millisecond
)

// ParseBrokers parses a comma-separated broker list, trimming whitespace and dropping empties.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ValidateConsumerParams validates common consumer parameters.
func ValidateConsumerParams(brokers []string, groupID string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	if groupID == "" {
		return fmt.Errorf("groupID cannot be empty")
	}
	return nil
}

// NewReaderConfig returns the reader configuration shared by the data and control consumers:
// consumer group membership, latest offset when the group has no commit, manual commits that
// are flushed asynchronously every CommitInterval.
func NewReaderConfig(brokers []string, groupID string, topics []string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        MaxPollWait,
		QueueCapacity:  100,
		CommitInterval: CommitInterval,
		StartOffset:    kafka.LastOffset,
		Dialer:         &kafka.Dialer{Timeout: DialTimeout, DualStack: true},
	}
}

// LogReaderConfig logs the reader configuration values.
func LogReaderConfig(cfg kafka.ReaderConfig) {
	slog.Info("Kafka consumer configured",
		"group_id", cfg.GroupID,
		"topics", cfg.GroupTopics,
		"min_bytes", cfg.MinBytes,
		"max_bytes", cfg.MaxBytes,
		"max_wait", cfg.MaxWait.String(),
		"commit_interval", cfg.CommitInterval.String(),
	)
}

// IsBrokerUnavailable reports whether err means the brokers cannot be reached, as opposed to a
// protocol or configuration error.
func IsBrokerUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, kafka.BrokerNotAvailable), errors.Is(err, kafka.NetworkException),
		errors.Is(err, kafka.LeaderNotAvailable), errors.Is(err, kafka.GroupCoordinatorNotAvailable):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe")
}

// Probe dials the brokers until one answers. The error of the last attempt is returned when
// none do.
func Probe(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	dialer := &kafka.Dialer{Timeout: DialTimeout, DualStack: true}
	var lastErr error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// TopicExists reports whether topic exists on the cluster. It never auto-creates the topic.
func TopicExists(ctx context.Context, brokers []string, topic string) (bool, error) {
	if len(brokers) == 0 {
		return false, fmt.Errorf("brokers cannot be empty")
	}
	dialer := &kafka.Dialer{Timeout: DialTimeout, DualStack: true}
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return false, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return false, fmt.Errorf("failed to read partitions: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == topic {
			return true, nil
		}
	}
	return false, nil
}
