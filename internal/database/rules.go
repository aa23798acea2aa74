package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"changealerts/internal/conditional"
)

const ruleColumns = `id, organization_id, business_unit_id, name, description, is_active,
	effective_date, expiration_date, source, database_action, table_name, topic,
	conditional_logic, function_name, trigger_name, listener_name,
	email_profile_id, email_recipients, custom_subject, created, modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AlertRule, error) {
	var (
		rule                              AlertRule
		businessUnit, description         sql.NullString
		table, topic                      sql.NullString
		functionName, triggerName, listen sql.NullString
		profileID, recipients, subject    sql.NullString
		effective, expiration             sql.NullTime
		logic                             []byte
	)
	if err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&businessUnit,
		&rule.Name,
		&description,
		&rule.IsActive,
		&effective,
		&expiration,
		&rule.Source,
		&rule.DatabaseAction,
		&table,
		&topic,
		&logic,
		&functionName,
		&triggerName,
		&listen,
		&profileID,
		&recipients,
		&subject,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.BusinessUnitID = businessUnit.String
	rule.Description = description.String
	rule.Table = table.String
	rule.Topic = topic.String
	rule.FunctionName = functionName.String
	rule.TriggerName = triggerName.String
	rule.ListenerName = listen.String
	rule.EmailRecipients = recipients.String
	rule.CustomSubject = subject.String
	if effective.Valid {
		rule.EffectiveDate = &effective.Time
	}
	if expiration.Valid {
		rule.ExpirationDate = &expiration.Time
	}
	if profileID.Valid {
		rule.EmailProfileID = &profileID.String
	}
	if len(logic) > 0 && string(logic) != "null" {
		var l conditional.Logic
		if err := json.Unmarshal(logic, &l); err != nil {
			slog.Warn("Failed to unmarshal conditional logic", "rule_id", rule.ID, "error", err)
		} else {
			rule.ConditionalLogic = &l
		}
	}
	return &rule, nil
}

func marshalLogic(logic *conditional.Logic) (any, error) {
	if logic == nil {
		return nil, nil
	}
	b, err := json.Marshal(logic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conditional logic: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ActiveRules returns the rules for a source that are enabled and inside their window now.
func (db *DB) ActiveRules(ctx context.Context, source Source) ([]*AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM table_change_alert
		WHERE is_active = TRUE
		  AND source = $1
		  AND (effective_date IS NULL OR effective_date <= NOW())
		  AND (expiration_date IS NULL OR expiration_date >= NOW())
		ORDER BY created
	`
	return db.queryRules(ctx, db.conn, query, source)
}

// ListRules retrieves all rules, newest first.
func (db *DB) ListRules(ctx context.Context) ([]*AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM table_change_alert
		ORDER BY created DESC
	`
	return db.queryRules(ctx, db.conn, query)
}

// ChannelRules returns the enabled Postgres rules on a table and action, whatever their
// effective window. These are the rules sharing one trigger and channel.
func (db *DB) ChannelRules(ctx context.Context, tx Querier, table string, action DatabaseAction) ([]*AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM table_change_alert
		WHERE is_active = TRUE
		  AND source = $1
		  AND table_name = $2
		  AND database_action = $3
		ORDER BY created, id
	`
	return db.queryRules(ctx, db.q(tx), query, SourcePostgres, table, action)
}

func (db *DB) queryRules(ctx context.Context, q Querier, query string, args ...any) ([]*AlertRule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule retrieves a rule by ID.
func (db *DB) GetRule(ctx context.Context, id string) (*AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM table_change_alert WHERE id = $1`
	rule, err := scanRule(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}
	return rule, nil
}

// CreateRule inserts a rule and fills its timestamps. The rule's ID must already be set.
func (db *DB) CreateRule(ctx context.Context, tx Querier, rule *AlertRule) error {
	logic, err := marshalLogic(rule.ConditionalLogic)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO table_change_alert (
			id, organization_id, business_unit_id, name, description, is_active,
			effective_date, expiration_date, source, database_action, table_name, topic,
			conditional_logic, function_name, trigger_name, listener_name,
			email_profile_id, email_recipients, custom_subject, created, modified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())
		RETURNING created, modified
	`
	err = db.q(tx).QueryRowContext(ctx, query, ruleArgs(rule, logic)...).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			if pqErr.Code == "23505" { // unique_violation
				return fmt.Errorf("alert rule already exists: %s", rule.ID)
			}
			if pqErr.Code == "23503" { // foreign_key_violation
				return fmt.Errorf("%w: %s", ErrEmailProfileNotFound, derefString(rule.EmailProfileID))
			}
		}
		return fmt.Errorf("failed to create alert rule: %w", err)
	}
	return nil
}

// UpdateRule overwrites every mutable column of a rule.
func (db *DB) UpdateRule(ctx context.Context, tx Querier, rule *AlertRule) error {
	logic, err := marshalLogic(rule.ConditionalLogic)
	if err != nil {
		return err
	}
	query := `
		UPDATE table_change_alert
		SET organization_id = $2,
		    business_unit_id = $3,
		    name = $4,
		    description = $5,
		    is_active = $6,
		    effective_date = $7,
		    expiration_date = $8,
		    source = $9,
		    database_action = $10,
		    table_name = $11,
		    topic = $12,
		    conditional_logic = $13,
		    function_name = $14,
		    trigger_name = $15,
		    listener_name = $16,
		    email_profile_id = $17,
		    email_recipients = $18,
		    custom_subject = $19,
		    modified = NOW()
		WHERE id = $1
		RETURNING modified
	`
	err = db.q(tx).QueryRowContext(ctx, query, ruleArgs(rule, logic)...).Scan(&rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrEmailProfileNotFound, derefString(rule.EmailProfileID))
		}
		return fmt.Errorf("failed to update alert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (db *DB) DeleteRule(ctx context.Context, tx Querier, id string) error {
	result, err := db.q(tx).ExecContext(ctx, `DELETE FROM table_change_alert WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

func ruleArgs(rule *AlertRule, logic any) []any {
	var effective, expiration sql.NullTime
	if rule.EffectiveDate != nil {
		effective = sql.NullTime{Time: *rule.EffectiveDate, Valid: true}
	}
	if rule.ExpirationDate != nil {
		expiration = sql.NullTime{Time: *rule.ExpirationDate, Valid: true}
	}
	var profileID sql.NullString
	if rule.EmailProfileID != nil {
		profileID = sql.NullString{String: *rule.EmailProfileID, Valid: true}
	}
	return []any{
		rule.ID,
		rule.OrganizationID,
		nullString(rule.BusinessUnitID),
		rule.Name,
		rule.Description,
		rule.IsActive,
		effective,
		expiration,
		string(rule.Source),
		string(rule.DatabaseAction),
		nullString(rule.Table),
		nullString(rule.Topic),
		logic,
		nullString(rule.FunctionName),
		nullString(rule.TriggerName),
		nullString(rule.ListenerName),
		profileID,
		rule.EmailRecipients,
		rule.CustomSubject,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
