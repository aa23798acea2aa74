// Package conditional validates, compiles and evaluates the JSON conditions that narrow
// which row changes raise a table change alert.
//
// A rule's conditional logic is compiled into a SQL predicate for the Postgres path (the
// predicate is embedded in the trigger function) and evaluated in-process against the
// decoded change payload for the Kafka path.
package conditional

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Operation is a comparison operator supported in a condition.
type Operation string

const (
	OpEq        Operation = "eq"
	OpLt        Operation = "lt"
	OpGt        Operation = "gt"
	OpIn        Operation = "in"
	OpNotIn     Operation = "not_in"
	OpContains  Operation = "contains"
	OpIContains Operation = "icontains"
	OpIsNull    Operation = "isnull"
	OpNotIsNull Operation = "not_isnull"
)

var validOperations = map[Operation]bool{
	OpEq:        true,
	OpLt:        true,
	OpGt:        true,
	OpIn:        true,
	OpNotIn:     true,
	OpContains:  true,
	OpIContains: true,
	OpIsNull:    true,
	OpNotIsNull: true,
}

// Valid reports whether op is a recognized operation.
func (op Operation) Valid() bool {
	return validOperations[op]
}

// ExcludedFields are relationship/tenancy fields that conditions may never reference.
var ExcludedFields = map[string]bool{
	"organization":     true,
	"organization_id":  true,
	"business_unit":    true,
	"business_unit_id": true,
}

// ConditionID identifies a condition inside a rule. Authors use both numbers and strings.
type ConditionID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *ConditionID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ConditionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("condition id must be a string or number: %w", err)
	}
	*id = ConditionID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers.
func (id ConditionID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Condition is a single column comparison.
type Condition struct {
	ID        ConditionID `json:"id"`
	Column    string      `json:"column"`
	Operation Operation   `json:"operation"`
	Value     any         `json:"value"`
	DataType  string      `json:"data_type,omitempty"`
}

// Logic is the structured rule attached to an alert. All conditions must hold.
type Logic struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ModelName   string      `json:"model_name"`
	AppLabel    string      `json:"app_label"`
	Conditions  []Condition `json:"conditions"`
}

// Equal reports whether two logic values are semantically identical.
// A nil logic only equals another nil logic.
func (l *Logic) Equal(other *Logic) bool {
	if l == nil || other == nil {
		return l == nil && other == nil
	}
	return reflect.DeepEqual(l, other)
}

// Empty reports whether the logic matches unconditionally.
func (l *Logic) Empty() bool {
	return l == nil || len(l.Conditions) == 0
}
