// Package config provides configuration parsing and validation for the listener services and
// the admin CLI.
package config

import (
	"fmt"
	"time"
)

// Defaults shared by the binaries.
const (
	DefaultRuleTable      = "table_change_alert"
	DefaultControlChannel = "table_change_alert_updated"
	DefaultControlTopic   = "localhost.public.table_change_alert"
	DefaultFromAddress    = "table_change@monta.io"
)

// PostgresListener holds all configuration parameters for the pg-listener service.
type PostgresListener struct {
	PostgresDSN       string
	RuleTable         string
	ControlChannel    string
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	RedisAddr         string
	DefaultFrom       string
}

// Validate checks that all required configuration fields are set and have valid values.
func (c *PostgresListener) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.RuleTable == "" {
		return fmt.Errorf("rule-table cannot be empty")
	}
	if c.ControlChannel == "" {
		return fmt.Errorf("control-channel cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be > 0")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send-timeout must be > 0")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.DefaultFrom == "" {
		return fmt.Errorf("default-from cannot be empty")
	}
	return nil
}

// KafkaListener holds all configuration parameters for the kafka-listener service.
type KafkaListener struct {
	KafkaBrokers       string
	ControlTopic       string
	ConsumerGroupID    string
	ControlGroupID     string
	PostgresDSN        string
	MaxConcurrentJobs  int
	PollMaxMessages    int
	PollTimeout        time.Duration
	ControlPollTimeout time.Duration
	RetryDelay         time.Duration
	RefreshInterval    time.Duration
	HealthInterval     time.Duration
	TaskTimeout        time.Duration
	RedisAddr          string
	DedupeTTL          time.Duration
	DefaultFrom        string
}

// Validate checks that all required configuration fields are set and have valid values.
func (c *KafkaListener) Validate() error {
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.ControlTopic == "" {
		return fmt.Errorf("control-topic cannot be empty")
	}
	if c.ConsumerGroupID == "" {
		return fmt.Errorf("consumer-group-id cannot be empty")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max-concurrent-jobs must be > 0")
	}
	if c.PollMaxMessages <= 0 {
		return fmt.Errorf("poll-max-messages must be > 0")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll-timeout must be > 0")
	}
	if c.ControlPollTimeout <= 0 {
		return fmt.Errorf("control-poll-timeout must be > 0")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry-delay must be > 0")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh-interval must be > 0")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health-interval must be > 0")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task-timeout must be > 0")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.DedupeTTL < 0 {
		return fmt.Errorf("dedupe-ttl must be >= 0")
	}
	if c.DefaultFrom == "" {
		return fmt.Errorf("default-from cannot be empty")
	}
	return nil
}

// ControlGroup returns the consumer group of the control consumer. It defaults to the data
// consumer's group.
func (c *KafkaListener) ControlGroup() string {
	if c.ControlGroupID != "" {
		return c.ControlGroupID
	}
	return c.ConsumerGroupID
}

// Admin holds the configuration of the alertctl CLI.
type Admin struct {
	PostgresDSN  string
	KafkaBrokers string
	ControlTopic string
	CatalogPath  string
	RedisAddr    string
}

// Validate checks the settings of the alertctl commands that change rules.
func (c *Admin) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog cannot be empty")
	}
	return nil
}

// ValidateDatabase checks the settings of commands that only read or maintain the rule table.
func (c *Admin) ValidateDatabase() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	return nil
}

// PublishesControl reports whether rule changes should be announced on Kafka.
func (c *Admin) PublishesControl() bool {
	return c.KafkaBrokers != "" && c.ControlTopic != ""
}
