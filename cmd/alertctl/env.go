package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"changealerts/internal/catalog"
	"changealerts/internal/conditional"
	"changealerts/internal/database"
	"changealerts/internal/kafkautil"
	"changealerts/internal/producer"
	"changealerts/internal/rules"
	"changealerts/internal/shared"
	"changealerts/internal/trigger"
)

func openDB() (*database.DB, error) {
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	slog.Debug("Connecting to PostgreSQL", "postgres_dsn", shared.MaskDSN(cfg.PostgresDSN))
	return database.NewDB(cfg.PostgresDSN)
}

// env holds the clients a rule command works with.
type env struct {
	db        *database.DB
	triggers  *trigger.Generator
	service   *rules.Service
	publisher *producer.Producer
}

// openEnv connects to the database and builds the rule service. withCatalog loads the model
// catalog for conditional field checks, which rule authoring requires.
func openEnv(withCatalog bool) (*env, error) {
	if withCatalog {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	db, err := openDB()
	if err != nil {
		return nil, err
	}

	var fields conditional.FieldChecker
	if withCatalog {
		models, err := catalog.Load(cfg.CatalogPath, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		fields = models
	}

	e := &env{db: db, triggers: trigger.New(db)}
	e.service = rules.NewService(db, e.triggers, fields)

	if brokers := kafkautil.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		e.service.SetTopicChecker(func(ctx context.Context, topic string) (bool, error) {
			return kafkautil.TopicExists(ctx, brokers, topic)
		})
	}
	if cfg.PublishesControl() {
		p, err := producer.NewProducer(cfg.KafkaBrokers, cfg.ControlTopic)
		if err != nil {
			db.Close()
			return nil, err
		}
		e.publisher = p
		e.service.SetPublisher(p)
	}
	return e, nil
}

func (e *env) Close() {
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			slog.Warn("Failed to close producer", "error", err)
		}
	}
	e.db.Close()
}

// ruleInput is the JSON document create and update read a rule from.
type ruleInput struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	BusinessUnitID   string          `json:"business_unit_id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	IsActive         *bool           `json:"is_active"`
	EffectiveDate    *time.Time      `json:"effective_date"`
	ExpirationDate   *time.Time      `json:"expiration_date"`
	Source           string          `json:"source"`
	DatabaseAction   string          `json:"database_action"`
	Table            string          `json:"table_name"`
	Topic            string          `json:"topic"`
	ConditionalLogic json.RawMessage `json:"conditional_logic"`
	EmailProfileID   *string         `json:"email_profile_id"`
	EmailRecipients  string          `json:"email_recipients"`
	CustomSubject    string          `json:"custom_subject"`
}

func readRule(path string) (*database.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseRule(data)
}

func parseRule(data []byte) (*database.AlertRule, error) {
	var in ruleInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}

	rule := &database.AlertRule{
		ID:              in.ID,
		OrganizationID:  in.OrganizationID,
		BusinessUnitID:  in.BusinessUnitID,
		Name:            in.Name,
		Description:     in.Description,
		IsActive:        in.IsActive == nil || *in.IsActive,
		EffectiveDate:   in.EffectiveDate,
		ExpirationDate:  in.ExpirationDate,
		Source:          database.Source(strings.ToUpper(strings.TrimSpace(in.Source))),
		DatabaseAction:  database.DatabaseAction(strings.ToUpper(strings.TrimSpace(in.DatabaseAction))),
		Table:           strings.TrimSpace(in.Table),
		Topic:           strings.TrimSpace(in.Topic),
		EmailProfileID:  in.EmailProfileID,
		EmailRecipients: in.EmailRecipients,
		CustomSubject:   in.CustomSubject,
	}
	if len(in.ConditionalLogic) > 0 && string(in.ConditionalLogic) != "null" {
		logic, err := conditional.Parse(in.ConditionalLogic)
		if err != nil {
			return nil, err
		}
		rule.ConditionalLogic = logic
	}
	return rule, nil
}
