package conditional

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StructureError reports a rule-authoring mistake. Message is part of the public contract
// and is surfaced to administrators unchanged.
type StructureError struct {
	ConditionID ConditionID
	Message     string
}

func (e *StructureError) Error() string {
	return e.Message
}

func structureErrorf(id ConditionID, format string, args ...any) *StructureError {
	return &StructureError{ConditionID: id, Message: fmt.Sprintf(format, args...)}
}

var requiredLogicKeys = []string{"name", "description", "model_name", "app_label", "conditions"}

var requiredConditionKeys = []string{"column", "operation"}

// FieldChecker resolves models and their fields for field validation.
type FieldChecker interface {
	ModelExists(ctx context.Context, appLabel, modelName string) (bool, error)
	FieldExists(ctx context.Context, appLabel, modelName, field string) (bool, error)
}

// Parse decodes raw conditional logic JSON, rejecting documents with missing keys.
// The result still has to pass Validate before it is compiled.
func Parse(data []byte) (*Logic, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &StructureError{Message: fmt.Sprintf("Conditional Logic is not a valid JSON object: %v", err)}
	}
	for _, key := range requiredLogicKeys {
		if _, ok := raw[key]; !ok {
			return nil, &StructureError{Message: fmt.Sprintf("Conditional Logic is missing required key: '%s'", key)}
		}
	}

	var conditions []map[string]json.RawMessage
	if err := json.Unmarshal(raw["conditions"], &conditions); err != nil {
		return nil, &StructureError{Message: "Conditional Logic key 'conditions' must be a list of objects"}
	}
	for i, cond := range conditions {
		idRaw, ok := cond["id"]
		if !ok {
			return nil, &StructureError{Message: fmt.Sprintf("Condition at position %d is missing required key: 'id'", i)}
		}
		var id ConditionID
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return nil, &StructureError{Message: fmt.Sprintf("Condition at position %d has an invalid id", i)}
		}
		for _, key := range requiredConditionKeys {
			if _, ok := cond[key]; !ok {
				return nil, structureErrorf(id, "Condition is missing required key: '%s' in condition ID %s", key, id)
			}
		}
	}

	var logic Logic
	if err := json.Unmarshal(data, &logic); err != nil {
		return nil, &StructureError{Message: fmt.Sprintf("Conditional Logic could not be decoded: %v", err)}
	}
	return &logic, nil
}

// Validate checks operations and value shapes of every condition.
func Validate(logic *Logic) error {
	if logic == nil {
		return nil
	}
	for _, c := range logic.Conditions {
		if err := validateCondition(c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	if !c.Operation.Valid() {
		return structureErrorf(c.ID, "Invalid operation '%s' in condition ID %s", c.Operation, c.ID)
	}
	if strings.TrimSpace(c.Column) == "" {
		return structureErrorf(c.ID, "Condition column cannot be empty in condition ID %s", c.ID)
	}

	switch c.Operation {
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			return structureErrorf(c.ID, "Operation '%s' expects a list value in condition ID %s", c.Operation, c.ID)
		}
		if len(list) == 0 {
			return structureErrorf(c.ID, "Operation '%s' expects a non-empty list value in condition ID %s", c.Operation, c.ID)
		}
		for _, item := range list {
			if !isScalar(item) {
				return structureErrorf(c.ID, "Operation '%s' expects a list of scalar values in condition ID %s", c.Operation, c.ID)
			}
			if err := checkDataType(c, item); err != nil {
				return err
			}
		}
	case OpIsNull, OpNotIsNull:
		if c.Value != nil {
			return structureErrorf(c.ID, "Operation 'isnull or not_isnull' should not have a value in condition ID %s", c.ID)
		}
	case OpContains, OpIContains:
		if _, ok := c.Value.(string); !ok {
			return structureErrorf(c.ID, "Operation 'contains or icontains' expects a string value in condition ID %s", c.ID)
		}
	default:
		if !isScalar(c.Value) {
			return structureErrorf(c.ID, "Operation '%s' expects a scalar value in condition ID %s", c.Operation, c.ID)
		}
		if err := checkDataType(c, c.Value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFields checks that the referenced model exists and that every condition column is
// an existing, allowed field on it.
func ValidateFields(ctx context.Context, logic *Logic, checker FieldChecker) error {
	if logic == nil {
		return nil
	}
	ok, err := checker.ModelExists(ctx, logic.AppLabel, logic.ModelName)
	if err != nil {
		return fmt.Errorf("failed to look up model %s.%s: %w", logic.AppLabel, logic.ModelName, err)
	}
	if !ok {
		return &StructureError{Message: fmt.Sprintf("Model '%s' in app '%s' not found", logic.ModelName, logic.AppLabel)}
	}

	for _, c := range logic.Conditions {
		if ExcludedFields[c.Column] {
			return structureErrorf(c.ID, "Conditional Field '%s' is not allowed for model '%s'", c.Column, logic.ModelName)
		}
		exists, err := checker.FieldExists(ctx, logic.AppLabel, logic.ModelName, c.Column)
		if err != nil {
			return fmt.Errorf("failed to look up field %s on %s: %w", c.Column, logic.ModelName, err)
		}
		if !exists {
			return structureErrorf(c.ID, "Conditional Field '%s' does not exist on model '%s'", c.Column, logic.ModelName)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool, json.Number, int, int64:
		return true
	default:
		return false
	}
}

// checkDataType rejects values that cannot be embedded as the declared data type.
func checkDataType(c Condition, v any) error {
	s := toString(v)
	var ok bool
	switch strings.ToLower(c.DataType) {
	case "", "string", "text", "uuid":
		return nil
	case "integer", "int", "bigint":
		_, err := strconv.ParseInt(s, 10, 64)
		ok = err == nil
	case "number", "float", "decimal", "numeric":
		_, err := strconv.ParseFloat(s, 64)
		ok = err == nil
	case "boolean", "bool":
		_, err := strconv.ParseBool(s)
		ok = err == nil
	case "date":
		_, err := time.Parse(time.DateOnly, s)
		ok = err == nil
	case "datetime", "timestamp":
		_, err := time.Parse(time.RFC3339, s)
		ok = err == nil
	default:
		return structureErrorf(c.ID, "Unsupported data type '%s' in condition ID %s", c.DataType, c.ID)
	}
	if !ok {
		return structureErrorf(c.ID, "Value '%s' is not a valid %s in condition ID %s", s, c.DataType, c.ID)
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
