package conditional

import (
	"strconv"
	"strings"
)

// Lookup returns the value of a changed row's column and whether the column was present.
type Lookup func(column string) (any, bool)

// Evaluate applies the logic to a decoded change, mirroring the semantics of the compiled
// predicate: comparisons against a missing or null value never match, except isnull.
func Evaluate(logic *Logic, lookup Lookup) (bool, error) {
	if logic.Empty() {
		return true, nil
	}
	if err := Validate(logic); err != nil {
		return false, err
	}
	for _, c := range logic.Conditions {
		if !evaluateCondition(c, lookup) {
			return false, nil
		}
	}
	return true, nil
}

func evaluateCondition(c Condition, lookup Lookup) bool {
	v, ok := lookup(c.Column)
	if !ok {
		// Debezium payloads name foreign keys by their column.
		v, ok = lookup(c.Column + "_id")
	}
	present := ok && v != nil

	switch c.Operation {
	case OpIsNull:
		return !present
	case OpNotIsNull:
		return present
	}
	if !present {
		return false
	}

	switch c.Operation {
	case OpEq:
		return compare(v, c.Value) == 0
	case OpLt:
		return compare(v, c.Value) < 0
	case OpGt:
		return compare(v, c.Value) > 0
	case OpIn, OpNotIn:
		list, _ := c.Value.([]any)
		found := false
		for _, item := range list {
			if compare(v, item) == 0 {
				found = true
				break
			}
		}
		return found == (c.Operation == OpIn)
	case OpContains:
		s, _ := c.Value.(string)
		return strings.Contains(toString(v), s)
	case OpIContains:
		s, _ := c.Value.(string)
		return strings.Contains(strings.ToLower(toString(v)), strings.ToLower(s))
	}
	return false
}

// compare orders numerically when both sides are numbers and lexically otherwise.
func compare(a, b any) int {
	as, bs := toString(a), toString(b)
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(as, bs)
}
