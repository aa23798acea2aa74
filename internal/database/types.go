package database

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"changealerts/internal/conditional"
)

// Source selects which listener watches a rule.
type Source string

const (
	SourcePostgres Source = "POSTGRES"
	SourceKafka    Source = "KAFKA"
)

// DatabaseAction is the row operation a rule reacts to.
type DatabaseAction string

const (
	ActionInsert DatabaseAction = "INSERT"
	ActionUpdate DatabaseAction = "UPDATE"
	ActionDelete DatabaseAction = "DELETE"
	ActionBoth   DatabaseAction = "BOTH"
)

// Accepts reports whether a rule with action a fires for an observed operation.
// BOTH covers INSERT and UPDATE only.
func (a DatabaseAction) Accepts(op DatabaseAction) bool {
	if a == op {
		return true
	}
	return a == ActionBoth && (op == ActionInsert || op == ActionUpdate)
}

// maxIdentifierLength is Postgres' NAMEDATALEN - 1.
const maxIdentifierLength = 63

var (
	// ErrRuleNotFound is returned when no alert rule has the requested id.
	ErrRuleNotFound = errors.New("alert rule not found")
	// ErrEmailProfileNotFound is returned when an email profile id does not resolve.
	ErrEmailProfileNotFound = errors.New("email profile not found")
)

// Validation messages shown to rule authors.
const (
	MsgTopicRequired       = "Topic is required when source is Kafka."
	MsgTableRequired       = "Table is required when source is Postgres."
	MsgDeleteRequiresKafka = "Database action can only be delete when source is Kafka. Please change the source to Kafka and try again."
)

// AlertRule is a row of table_change_alert.
type AlertRule struct {
	ID               string
	OrganizationID   string
	BusinessUnitID   string
	Name             string
	Description      string
	IsActive         bool
	EffectiveDate    *time.Time
	ExpirationDate   *time.Time
	Source           Source
	DatabaseAction   DatabaseAction
	Table            string
	Topic            string
	ConditionalLogic *conditional.Logic
	FunctionName     string
	TriggerName      string
	ListenerName     string
	EmailProfileID   *string
	EmailRecipients  string
	CustomSubject    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActiveAt reports whether the rule is enabled and inside its effective window at now.
func (r *AlertRule) IsActiveAt(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.EffectiveDate != nil && r.EffectiveDate.After(now) {
		return false
	}
	if r.ExpirationDate != nil && r.ExpirationDate.Before(now) {
		return false
	}
	return true
}

// Validate checks the source/table/topic/action invariants.
func (r *AlertRule) Validate() error {
	switch r.Source {
	case SourceKafka:
		if r.Topic == "" {
			return errors.New(MsgTopicRequired)
		}
	case SourcePostgres:
		if r.Table == "" {
			return errors.New(MsgTableRequired)
		}
		if r.DatabaseAction == ActionDelete {
			return errors.New(MsgDeleteRequiresKafka)
		}
	default:
		return errors.New("Source must be either POSTGRES or KAFKA.")
	}
	switch r.DatabaseAction {
	case ActionInsert, ActionUpdate, ActionDelete, ActionBoth:
		return nil
	}
	return errors.New("Database action must be one of INSERT, UPDATE, DELETE or BOTH.")
}

// AssignNames fills the derived trigger names for Postgres rules and clears them otherwise.
func (r *AlertRule) AssignNames() {
	if r.Source != SourcePostgres {
		r.FunctionName, r.TriggerName, r.ListenerName = "", "", ""
		return
	}
	r.FunctionName, r.TriggerName, r.ListenerName = DeriveNames(r.DatabaseAction, r.Table)
}

// DeriveNames returns the function, trigger and listener names for a table and action.
// Actions without a trigger (DELETE) return empty names.
func DeriveNames(action DatabaseAction, table string) (function, trigger, listener string) {
	switch action {
	case ActionInsert:
		function, trigger, listener = "notify_new_"+table, "after_insert_"+table, "new_added_"+table
	case ActionUpdate:
		function, trigger, listener = "notify_updated_"+table, "after_update_"+table, "updated_"+table
	case ActionBoth:
		function, trigger, listener = "notify_new_or_updated_"+table, "after_insert_or_update_"+table, "new_or_updated_"+table
	default:
		return "", "", ""
	}
	return TruncateIdentifier(function), TruncateIdentifier(trigger), TruncateIdentifier(listener)
}

// TruncateIdentifier shortens names past the identifier limit, keeping them unique with a
// short hash of the full name.
func TruncateIdentifier(name string) string {
	if len(name) <= maxIdentifierLength {
		return name
	}
	sum := md5.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:4]
	return name[:maxIdentifierLength-len(suffix)-1] + "_" + suffix
}
