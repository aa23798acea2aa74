// Package rules manages the alert rule lifecycle: validation, persistence, trigger DDL and the
// rule-changed announcement, each change applied in one transaction.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
	"changealerts/internal/events"
)

// ValidationError wraps a rule authoring mistake.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// Repository is the rule persistence the service needs.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	GetRule(ctx context.Context, id string) (*database.AlertRule, error)
	ListRules(ctx context.Context) ([]*database.AlertRule, error)
	CreateRule(ctx context.Context, tx database.Querier, rule *database.AlertRule) error
	UpdateRule(ctx context.Context, tx database.Querier, rule *database.AlertRule) error
	DeleteRule(ctx context.Context, tx database.Querier, id string) error
	TableExists(ctx context.Context, table string) (bool, error)
}

// Triggers installs and removes the database triggers of Postgres rules. Rules on the same
// table and action share one trigger, regenerated from all of them on every change.
type Triggers interface {
	SyncChannelTx(ctx context.Context, tx database.Querier, table string, action database.DatabaseAction) error
	RecreateTx(ctx context.Context, tx database.Querier, old, updated *database.AlertRule) error
}

// TopicChecker reports whether a Kafka topic exists.
type TopicChecker func(ctx context.Context, topic string) (bool, error)

// RulePublisher announces rule changes to the Kafka listeners.
type RulePublisher interface {
	Publish(ctx context.Context, changed *events.RuleChanged) error
}

// Service applies rule changes.
type Service struct {
	repo      Repository
	triggers  Triggers
	fields    conditional.FieldChecker
	topics    TopicChecker
	publisher RulePublisher
}

// NewService creates a service. fields may be nil to skip model/field checks.
func NewService(repo Repository, triggers Triggers, fields conditional.FieldChecker) *Service {
	return &Service{repo: repo, triggers: triggers, fields: fields}
}

// SetTopicChecker enables topic existence checks for Kafka rules.
func (s *Service) SetTopicChecker(c TopicChecker) {
	s.topics = c
}

// SetPublisher enables rule-changed announcements.
func (s *Service) SetPublisher(p RulePublisher) {
	s.publisher = p
}

// ValidateRule checks a rule without saving it.
func (s *Service) ValidateRule(ctx context.Context, rule *database.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return &ValidationError{Err: err}
	}
	if rule.EffectiveDate != nil && rule.ExpirationDate != nil && rule.ExpirationDate.Before(*rule.EffectiveDate) {
		return invalid("Expiration date must be after effective date.")
	}

	if rule.ConditionalLogic != nil {
		if err := conditional.Validate(rule.ConditionalLogic); err != nil {
			return &ValidationError{Err: err}
		}
		if s.fields != nil {
			if err := conditional.ValidateFields(ctx, rule.ConditionalLogic, s.fields); err != nil {
				var se *conditional.StructureError
				if errors.As(err, &se) {
					return &ValidationError{Err: err}
				}
				return err
			}
		}
	}

	switch rule.Source {
	case database.SourcePostgres:
		exists, err := s.repo.TableExists(ctx, rule.Table)
		if err != nil {
			return err
		}
		if !exists {
			return invalid("Table '%s' does not exist.", rule.Table)
		}
	case database.SourceKafka:
		if s.topics != nil {
			exists, err := s.topics(ctx, rule.Topic)
			if err != nil {
				return fmt.Errorf("failed to check topic %s: %w", rule.Topic, err)
			}
			if !exists {
				return invalid("Topic '%s' does not exist.", rule.Topic)
			}
		}
	}
	return nil
}

// Create validates and saves a new rule, installing its trigger for Postgres rules.
func (s *Service) Create(ctx context.Context, rule *database.AlertRule) (*database.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := s.ValidateRule(ctx, rule); err != nil {
		return nil, err
	}
	rule.AssignNames()

	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.CreateRule(ctx, tx, rule); err != nil {
			return err
		}
		if rule.Source == database.SourcePostgres {
			return s.triggers.SyncChannelTx(ctx, tx, rule.Table, rule.DatabaseAction)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	slog.Info("Created alert rule",
		"rule_id", rule.ID,
		"source", rule.Source,
		"table", rule.Table,
		"topic", rule.Topic,
		"action", rule.DatabaseAction,
	)
	s.publish(ctx, rule, events.RuleCreated)
	return rule, nil
}

// Update validates and saves a changed rule. The triggers of the channels the rule left and
// joined are regenerated when its table, action, organization, state or logic changed.
func (s *Service) Update(ctx context.Context, rule *database.AlertRule) (*database.AlertRule, error) {
	old, err := s.repo.GetRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateRule(ctx, rule); err != nil {
		return nil, err
	}
	rule.AssignNames()

	err = s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.UpdateRule(ctx, tx, rule); err != nil {
			return err
		}
		return s.triggers.RecreateTx(ctx, tx, old, rule)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	slog.Info("Updated alert rule", "rule_id", rule.ID, "trigger", rule.TriggerName)
	s.publish(ctx, rule, events.RuleUpdated)
	return rule, nil
}

// Delete removes a rule. Its trigger is regenerated for the rules still sharing it, or dropped
// when none remain.
func (s *Service) Delete(ctx context.Context, id string) error {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.DeleteRule(ctx, tx, id); err != nil {
			return err
		}
		if rule.Source != database.SourcePostgres || rule.TriggerName == "" {
			return nil
		}
		return s.triggers.SyncChannelTx(ctx, tx, rule.Table, rule.DatabaseAction)
	})
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	slog.Info("Deleted alert rule", "rule_id", id)
	s.publish(ctx, rule, events.RuleDeleted)
	return nil
}

// channel is the table and action a group of Postgres rules shares one trigger on.
type channel struct {
	table  string
	action database.DatabaseAction
}

// SyncTriggers regenerates the trigger of every table and action with Postgres rules,
// returning how many channels were synced. Channels that fail are logged and skipped; the
// first failure is returned.
func (s *Service) SyncTriggers(ctx context.Context) (int, error) {
	all, err := s.repo.ListRules(ctx)
	if err != nil {
		return 0, err
	}

	var channels []channel
	seen := make(map[channel]bool)
	for _, rule := range all {
		if rule.Source != database.SourcePostgres || rule.DatabaseAction == database.ActionDelete {
			continue
		}
		c := channel{table: rule.Table, action: rule.DatabaseAction}
		if !seen[c] {
			seen[c] = true
			channels = append(channels, c)
		}
	}

	var firstErr error
	synced := 0
	for _, c := range channels {
		err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
			return s.triggers.SyncChannelTx(ctx, tx, c.table, c.action)
		})
		if err != nil {
			slog.Error("Failed to sync trigger", "table", c.table, "action", c.action, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s %s: %w", c.table, c.action, err)
			}
			continue
		}
		synced++
	}

	s.publish(ctx, &database.AlertRule{}, events.RuleSynced)
	return synced, firstErr
}

// publish announces a committed change. A failed announcement is logged; listeners also
// refresh on their own schedule.
func (s *Service) publish(ctx context.Context, rule *database.AlertRule, action string) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, &events.RuleChanged{
		RuleID: rule.ID,
		Action: action,
		Source: string(rule.Source),
	})
	if err != nil {
		slog.Warn("Failed to publish rule change", "rule_id", rule.ID, "action", action, "error", err)
	}
}
