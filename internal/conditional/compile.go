package conditional

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

var plainIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// reservedWords are keywords that must be quoted even though they look like plain identifiers.
var reservedWords = map[string]bool{
	"all": true, "and": true, "any": true, "as": true, "asc": true, "case": true, "check": true,
	"column": true, "constraint": true, "create": true, "default": true, "desc": true,
	"distinct": true, "do": true, "else": true, "end": true, "false": true, "for": true,
	"foreign": true, "from": true, "grant": true, "group": true, "having": true, "in": true,
	"limit": true, "new": true, "not": true, "null": true, "offset": true, "old": true, "on": true,
	"or": true, "order": true, "primary": true, "references": true, "select": true, "table": true,
	"then": true, "to": true, "true": true, "union": true, "unique": true, "user": true,
	"using": true, "when": true, "where": true, "with": true,
}

// QuoteIdentifier leaves plain lowercase identifiers bare and quotes everything else.
func QuoteIdentifier(name string) string {
	if plainIdentifier.MatchString(name) && !reservedWords[name] {
		return name
	}
	return pq.QuoteIdentifier(name)
}

// Compile turns validated logic into a SQL predicate over the NEW row, e.g.
// new.org = '123' AND new.status IN ('open','held').
// Empty logic compiles to an empty predicate.
func Compile(logic *Logic) (string, error) {
	if logic.Empty() {
		return "", nil
	}
	if err := Validate(logic); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(logic.Conditions))
	for _, c := range logic.Conditions {
		frag, err := compileCondition(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, frag)
	}
	return strings.Join(parts, " AND "), nil
}

func compileCondition(c Condition) (string, error) {
	col := "new." + QuoteIdentifier(c.Column)

	switch c.Operation {
	case OpEq:
		return col + " = " + literal(c.Value), nil
	case OpLt:
		return col + " < " + literal(c.Value), nil
	case OpGt:
		return col + " > " + literal(c.Value), nil
	case OpIn, OpNotIn:
		list, _ := c.Value.([]any)
		items := make([]string, 0, len(list))
		for _, v := range list {
			items = append(items, literal(v))
		}
		op := "IN"
		if c.Operation == OpNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(items, ",")), nil
	case OpContains:
		return col + " LIKE " + likePattern(c.Value), nil
	case OpIContains:
		return col + " ILIKE " + likePattern(c.Value), nil
	case OpIsNull:
		return col + " IS NULL", nil
	case OpNotIsNull:
		return col + " IS NOT NULL", nil
	}
	return "", structureErrorf(c.ID, "Invalid operation '%s' in condition ID %s", c.Operation, c.ID)
}

func literal(v any) string {
	switch t := v.(type) {
	case string:
		return pq.QuoteLiteral(t)
	case float64:
		return "'" + strconv.FormatFloat(t, 'f', -1, 64) + "'"
	case json.Number:
		return pq.QuoteLiteral(t.String())
	case bool:
		return "'" + strconv.FormatBool(t) + "'"
	default:
		return pq.QuoteLiteral(fmt.Sprint(t))
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(v any) string {
	s, _ := v.(string)
	return pq.QuoteLiteral("%" + likeEscaper.Replace(s) + "%")
}
