// Package events decodes row changes from pg_notify payloads and Debezium envelopes, and defines
// the rule-changed control signal.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"changealerts/internal/database"
)

// Field is one column of a changed row.
type Field struct {
	Name  string
	Value any
}

// Fields is a changed row in column order. JSON objects decode into it without losing key order,
// numbers are kept as json.Number.
type Fields []Field

// UnmarshalJSON decodes a JSON object, keeping key order. A JSON null decodes to nil Fields.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	out := Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		out = append(out, Field{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// Lookup returns the value of the named column.
func (f Fields) Lookup(name string) (any, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Without returns the fields minus the named column.
func (f Fields) Without(name string) Fields {
	out := make(Fields, 0, len(f))
	for _, field := range f {
		if field.Name != name {
			out = append(out, field)
		}
	}
	return out
}

// OrganizationColumn is the column a row's owning organization is read from.
const OrganizationColumn = "organization_id"

// OrganizationMatches reports whether a row belongs to orgID. Rules without an organization and
// rows without the column match.
func OrganizationMatches(orgID string, fields Fields) bool {
	if orgID == "" {
		return true
	}
	v, ok := fields.Lookup(OrganizationColumn)
	if !ok {
		return true
	}
	return FormatValue(v) == orgID
}

// FormatValue renders a field value for an alert body. Strings print bare, null prints as
// "null", and nested values print as JSON.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// DecodeNotification decodes a pg_notify payload built by json_build_object.
func DecodeNotification(payload string) (Fields, error) {
	var fields Fields
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode notification payload: %w", err)
	}
	return fields, nil
}

// Debezium operation codes.
const (
	OpCreate = "c"
	OpUpdate = "u"
	OpDelete = "d"
	OpRead   = "r"
)

// Envelope is a Debezium change event, with or without the schema wrapper.
type Envelope struct {
	Op     string `json:"op"`
	Before Fields `json:"before"`
	After  Fields `json:"after"`
}

// Change is a decoded row change that a rule can be matched against.
type Change struct {
	Action database.DatabaseAction
	Fields Fields
}

// DecodeEnvelope decodes a Kafka change event. It returns ok=false for events that carry no
// alertable change: snapshot reads and missing or unknown op codes.
func DecodeEnvelope(data []byte) (*Change, bool, error) {
	var wrapper struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, false, fmt.Errorf("failed to decode change event: %w", err)
	}
	body := data
	if len(wrapper.Payload) > 0 && !bytes.Equal(wrapper.Payload, []byte("null")) {
		body = wrapper.Payload
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("failed to decode change payload: %w", err)
	}

	switch env.Op {
	case OpCreate:
		return &Change{Action: database.ActionInsert, Fields: env.After}, true, nil
	case OpUpdate:
		return &Change{Action: database.ActionUpdate, Fields: env.After}, true, nil
	case OpDelete:
		return &Change{Action: database.ActionDelete, Fields: env.Before}, true, nil
	default:
		return nil, false, nil
	}
}

// Rule change actions.
const (
	RuleCreated = "CREATED"
	RuleUpdated = "UPDATED"
	RuleDeleted = "DELETED"
	RuleSynced  = "SYNCED"
)

// RuleChanged is the control signal published when alert rules change. Listeners treat any
// message on the control topic as a reload signal; the body is informational.
type RuleChanged struct {
	RuleID    string `json:"rule_id,omitempty"`
	Action    string `json:"action"`
	Source    string `json:"source,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}
