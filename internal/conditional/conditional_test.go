package conditional

import (
	"context"
	"errors"
	"testing"
)

func cond(id, column string, op Operation, value any) Condition {
	return Condition{ID: ConditionID(id), Column: column, Operation: op, Value: value, DataType: "string"}
}

func logicWith(conds ...Condition) *Logic {
	return &Logic{
		Name:       "Shipment rule",
		ModelName:  "shipment",
		AppLabel:   "shipment",
		Conditions: conds,
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
		wantID  ConditionID
	}{
		{
			name: "valid logic with numeric id",
			data: `{"name":"n","description":"d","model_name":"shipment","app_label":"shipment",
				"conditions":[{"id":1,"column":"org","operation":"eq","value":"123","data_type":"string"}]}`,
			wantID: "1",
		},
		{
			name: "valid logic with string id",
			data: `{"name":"n","description":"d","model_name":"shipment","app_label":"shipment",
				"conditions":[{"id":"a","column":"org","operation":"isnull","value":null}]}`,
			wantID: "a",
		},
		{
			name:    "missing conditions",
			data:    `{"name":"n","description":"d","model_name":"shipment","app_label":"shipment"}`,
			wantErr: "Conditional Logic is missing required key: 'conditions'",
		},
		{
			name:    "missing model name",
			data:    `{"name":"n","description":"d","app_label":"shipment","conditions":[]}`,
			wantErr: "Conditional Logic is missing required key: 'model_name'",
		},
		{
			name: "condition missing operation",
			data: `{"name":"n","description":"d","model_name":"shipment","app_label":"shipment",
				"conditions":[{"id":3,"column":"org","value":"1"}]}`,
			wantErr: "Condition is missing required key: 'operation' in condition ID 3",
		},
		{
			name:    "not an object",
			data:    `[1,2]`,
			wantErr: "Conditional Logic is not a valid JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logic, err := Parse([]byte(tt.data))
			if tt.wantErr != "" {
				var se *StructureError
				if !errors.As(err, &se) {
					t.Fatalf("Parse() error = %v, want StructureError", err)
				}
				if len(se.Message) < len(tt.wantErr) || se.Message[:len(tt.wantErr)] != tt.wantErr {
					t.Errorf("Parse() error = %q, want prefix %q", se.Message, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error: %v", err)
			}
			if got := logic.Conditions[0].ID; got != tt.wantID {
				t.Errorf("condition id = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		logic   *Logic
		wantErr string
	}{
		{name: "nil logic", logic: nil},
		{name: "valid eq", logic: logicWith(cond("1", "org", OpEq, "123"))},
		{
			name:    "invalid operation",
			logic:   logicWith(cond("1", "org", "equals", "123")),
			wantErr: "Invalid operation 'equals' in condition ID 1",
		},
		{
			name:    "in without list",
			logic:   logicWith(cond("1", "org", OpIn, "123")),
			wantErr: "Operation 'in' expects a list value in condition ID 1",
		},
		{
			name:    "not_in without list",
			logic:   logicWith(cond("1", "org", OpNotIn, 5.0)),
			wantErr: "Operation 'not_in' expects a list value in condition ID 1",
		},
		{
			name:    "in with empty list",
			logic:   logicWith(cond("4", "org", OpIn, []any{})),
			wantErr: "Operation 'in' expects a non-empty list value in condition ID 4",
		},
		{
			name:    "not_in with empty list",
			logic:   logicWith(cond("1", "org", OpNotIn, []any{})),
			wantErr: "Operation 'not_in' expects a non-empty list value in condition ID 1",
		},
		{
			name:    "isnull with value",
			logic:   logicWith(cond("1", "org", OpIsNull, "123")),
			wantErr: "Operation 'isnull or not_isnull' should not have a value in condition ID 1",
		},
		{
			name:    "not_isnull with value",
			logic:   logicWith(cond("1", "org", OpNotIsNull, false)),
			wantErr: "Operation 'isnull or not_isnull' should not have a value in condition ID 1",
		},
		{
			name:    "contains with number",
			logic:   logicWith(cond("1", "org", OpContains, 123.0)),
			wantErr: "Operation 'contains or icontains' expects a string value in condition ID 1",
		},
		{
			name:    "eq with list",
			logic:   logicWith(cond("1", "org", OpEq, []any{"a"})),
			wantErr: "Operation 'eq' expects a scalar value in condition ID 1",
		},
		{
			name: "integer data type rejects text",
			logic: logicWith(Condition{
				ID: "2", Column: "weight", Operation: OpGt, Value: "heavy", DataType: "integer",
			}),
			wantErr: "Value 'heavy' is not a valid integer in condition ID 2",
		},
		{
			name: "integer data type accepts number",
			logic: logicWith(Condition{
				ID: "2", Column: "weight", Operation: OpGt, Value: 10.0, DataType: "integer",
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.logic)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

type fakeChecker struct {
	models map[string][]string
	err    error
}

func (f *fakeChecker) ModelExists(_ context.Context, appLabel, modelName string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.models[appLabel+"."+modelName]
	return ok, nil
}

func (f *fakeChecker) FieldExists(_ context.Context, appLabel, modelName, field string) (bool, error) {
	for _, c := range f.models[appLabel+"."+modelName] {
		if c == field {
			return true, nil
		}
	}
	return false, nil
}

func TestValidateFields(t *testing.T) {
	checker := &fakeChecker{models: map[string][]string{
		"shipment.shipment": {"org", "status", "organization"},
	}}

	tests := []struct {
		name    string
		logic   *Logic
		checker *fakeChecker
		wantErr string
	}{
		{name: "existing field", logic: logicWith(cond("1", "org", OpEq, "1")), checker: checker},
		{
			name: "unknown model",
			logic: &Logic{
				ModelName: "shipment", AppLabel: "Test",
				Conditions: []Condition{cond("1", "org", OpEq, "1")},
			},
			checker: checker,
			wantErr: "Model 'shipment' in app 'Test' not found",
		},
		{
			name:    "unknown field",
			logic:   logicWith(cond("1", "test", OpEq, "1")),
			checker: checker,
			wantErr: "Conditional Field 'test' does not exist on model 'shipment'",
		},
		{
			name:    "excluded field checked before existence",
			logic:   logicWith(cond("1", "organization", OpEq, "1")),
			checker: checker,
			wantErr: "Conditional Field 'organization' is not allowed for model 'shipment'",
		},
		{
			name:    "lookup failure",
			logic:   logicWith(cond("1", "org", OpEq, "1")),
			checker: &fakeChecker{err: errors.New("catalog offline")},
			wantErr: "failed to look up model shipment.shipment: catalog offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFields(context.Background(), tt.logic, tt.checker)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateFields() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("ValidateFields() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name  string
		logic *Logic
		want  string
	}{
		{name: "eq", logic: logicWith(cond("1", "org", OpEq, "123")), want: "new.org = '123'"},
		{name: "isnull", logic: logicWith(cond("1", "org", OpIsNull, nil)), want: "new.org IS NULL"},
		{name: "not_isnull", logic: logicWith(cond("1", "org", OpNotIsNull, nil)), want: "new.org IS NOT NULL"},
		{
			name:  "in",
			logic: logicWith(cond("1", "org", OpIn, []any{"123", "456"})),
			want:  "new.org IN ('123','456')",
		},
		{
			name:  "not_in",
			logic: logicWith(cond("1", "org", OpNotIn, []any{"123", "456"})),
			want:  "new.org NOT IN ('123','456')",
		},
		{name: "contains", logic: logicWith(cond("1", "org", OpContains, "123")), want: "new.org LIKE '%123%'"},
		{name: "icontains", logic: logicWith(cond("1", "org", OpIContains, "123")), want: "new.org ILIKE '%123%'"},
		{name: "lt", logic: logicWith(cond("1", "org", OpLt, "123")), want: "new.org < '123'"},
		{name: "gt", logic: logicWith(cond("1", "org", OpGt, "123")), want: "new.org > '123'"},
		{name: "numeric value", logic: logicWith(cond("1", "weight", OpGt, 10.5)), want: "new.weight > '10.5'"},
		{
			name: "joined with AND",
			logic: logicWith(
				cond("1", "org", OpEq, "123"),
				cond("2", "status", OpIsNull, nil),
			),
			want: "new.org = '123' AND new.status IS NULL",
		},
		{
			name:  "quote in literal is escaped",
			logic: logicWith(cond("1", "org", OpEq, "O'Brien")),
			want:  "new.org = 'O''Brien'",
		},
		{
			name:  "mixed case identifier is quoted",
			logic: logicWith(cond("1", "OrgName", OpEq, "1")),
			want:  `new."OrgName" = '1'`,
		},
		{
			name:  "reserved identifier is quoted",
			logic: logicWith(cond("1", "order", OpEq, "1")),
			want:  `new."order" = '1'`,
		},
		{
			name:  "like metacharacters are escaped",
			logic: logicWith(cond("1", "org", OpContains, "50%_off")),
			want:  `new.org LIKE  E'%50\\%\\_off%'`,
		},
		{name: "empty logic", logic: logicWith(), want: ""},
		{name: "nil logic", logic: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.logic)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Compile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompile_InvalidLogic(t *testing.T) {
	_, err := Compile(logicWith(cond("1", "org", "equals", "123")))
	var se *StructureError
	if !errors.As(err, &se) {
		t.Fatalf("Compile() error = %v, want StructureError", err)
	}
	if se.ConditionID != "1" {
		t.Errorf("ConditionID = %q, want 1", se.ConditionID)
	}

	got, err := Compile(logicWith(cond("3", "org", OpIn, []any{})))
	if !errors.As(err, &se) || se.ConditionID != "3" {
		t.Fatalf("Compile() = %q, %v, want StructureError for condition 3", got, err)
	}
}

func TestEvaluate(t *testing.T) {
	row := map[string]any{
		"org":       "123",
		"status":    "OPEN",
		"weight":    42.0,
		"carrier":   nil,
		"reference": "INV-2024-001",
	}
	lookup := func(column string) (any, bool) {
		v, ok := row[column]
		return v, ok
	}

	tests := []struct {
		name  string
		logic *Logic
		want  bool
	}{
		{name: "no conditions", logic: nil, want: true},
		{name: "eq match", logic: logicWith(cond("1", "org", OpEq, "123")), want: true},
		{name: "eq numeric against string", logic: logicWith(cond("1", "org", OpEq, 123.0)), want: true},
		{name: "eq miss", logic: logicWith(cond("1", "org", OpEq, "999")), want: false},
		{name: "gt numeric", logic: logicWith(cond("1", "weight", OpGt, "9")), want: true},
		{name: "lt numeric", logic: logicWith(cond("1", "weight", OpLt, 10.0)), want: false},
		{name: "in", logic: logicWith(cond("1", "status", OpIn, []any{"OPEN", "HELD"})), want: true},
		{name: "not_in", logic: logicWith(cond("1", "status", OpNotIn, []any{"OPEN"})), want: false},
		{name: "contains", logic: logicWith(cond("1", "reference", OpContains, "2024")), want: true},
		{name: "contains is case sensitive", logic: logicWith(cond("1", "reference", OpContains, "inv")), want: false},
		{name: "icontains", logic: logicWith(cond("1", "reference", OpIContains, "inv")), want: true},
		{name: "isnull on null", logic: logicWith(cond("1", "carrier", OpIsNull, nil)), want: true},
		{name: "isnull on missing", logic: logicWith(cond("1", "missing", OpIsNull, nil)), want: true},
		{name: "not_isnull", logic: logicWith(cond("1", "org", OpNotIsNull, nil)), want: true},
		{name: "eq on null never matches", logic: logicWith(cond("1", "carrier", OpEq, "x")), want: false},
		{
			name: "all conditions must hold",
			logic: logicWith(
				cond("1", "org", OpEq, "123"),
				cond("2", "status", OpEq, "CLOSED"),
			),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.logic, lookup)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogic_Equal(t *testing.T) {
	a := logicWith(cond("1", "org", OpEq, "123"))
	b := logicWith(cond("1", "org", OpEq, "123"))
	c := logicWith(cond("1", "org", OpEq, "456"))

	if !a.Equal(b) {
		t.Error("identical logic should be equal")
	}
	if a.Equal(c) {
		t.Error("different values should not be equal")
	}
	var nilLogic *Logic
	if !nilLogic.Equal(nil) {
		t.Error("nil logic should equal nil")
	}
	if a.Equal(nil) {
		t.Error("logic should not equal nil")
	}
}
