// Package trigger generates and installs the Postgres trigger functions that publish row
// changes on pg_notify channels.
package trigger

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
)

// objectColumns keeps each json_build_object call under its 100 argument limit. Wider
// payloads are built from several objects spliced together in column order.
const objectColumns = 50

// organizationColumn scopes rule filters and is carried in the payload for the listener.
const organizationColumn = "organization_id"

// excludedPayloadColumns never appear in a notification payload as row data.
var excludedPayloadColumns = map[string]bool{
	"id":               true,
	"created":          true,
	"modified":         true,
	organizationColumn: true,
	"business_unit_id": true,
}

// Filter is one rule's share of a channel's trigger condition.
type Filter struct {
	// OrganizationID, when set, limits the filter to rows of that organization.
	OrganizationID string
	// Predicate is the compiled conditional logic; empty matches every row.
	Predicate string
}

func (f Filter) clause() string {
	var parts []string
	if f.OrganizationID != "" {
		parts = append(parts, "NEW."+organizationColumn+" = "+pq.QuoteLiteral(f.OrganizationID))
	}
	if f.Predicate != "" {
		parts = append(parts, "("+f.Predicate+")")
	}
	return strings.Join(parts, " AND ")
}

// Spec is everything needed to render a trigger function and its trigger.
type Spec struct {
	Table    string
	Function string
	Trigger  string
	Listener string
	Action   database.DatabaseAction
	// Columns are the payload columns in ordinal order.
	Columns []string
	// OrganizationColumn adds the row's organization_id to the payload.
	OrganizationColumn bool
	// Filters holds one entry per rule on the channel. A row notifies when any filter
	// matches; no filters, or one empty filter, notifies every row.
	Filters []Filter
}

// PayloadColumns filters a table's columns down to those carried in the payload.
func PayloadColumns(columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !excludedPayloadColumns[c] {
			out = append(out, c)
		}
	}
	return out
}

func qualifiedTable(table string) string {
	return "public." + conditional.QuoteIdentifier(table)
}

func opGuard(action database.DatabaseAction) string {
	if action == database.ActionBoth {
		return "TG_OP IN ('INSERT', 'UPDATE')"
	}
	return "TG_OP = " + pq.QuoteLiteral(string(action))
}

func changeGuard(columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		col := conditional.QuoteIdentifier(c)
		parts = append(parts, fmt.Sprintf("OLD.%s IS DISTINCT FROM NEW.%s", col, col))
	}
	return strings.Join(parts, " OR ")
}

// filterClause ORs the distinct filters together. It is empty when any filter matches
// every row.
func (s Spec) filterClause() string {
	var groups []string
	seen := make(map[string]bool)
	for _, f := range s.Filters {
		c := f.clause()
		if c == "" {
			return ""
		}
		if !seen[c] {
			seen[c] = true
			groups = append(groups, c)
		}
	}
	if len(groups) <= 1 {
		return strings.Join(groups, "")
	}
	for i, g := range groups {
		groups[i] = "(" + g + ")"
	}
	return "(" + strings.Join(groups, " OR ") + ")"
}

// Condition renders the IF condition of the trigger function.
func (s Spec) Condition() string {
	parts := []string{opGuard(s.Action)}
	if s.Action == database.ActionUpdate && len(s.Columns) > 0 {
		parts = append(parts, "("+changeGuard(s.Columns)+")")
	}
	if f := s.filterClause(); f != "" {
		parts = append(parts, f)
	}
	return strings.Join(parts, " AND ")
}

func objectSQL(columns []string) string {
	pairs := make([]string, 0, len(columns))
	for _, c := range columns {
		pairs = append(pairs, fmt.Sprintf("            %s, NEW.%s", pq.QuoteLiteral(c), conditional.QuoteIdentifier(c)))
	}
	return "json_build_object(\n" + strings.Join(pairs, ",\n") + "\n        )::text"
}

// payloadSQL renders the text expression pg_notify sends. Each object after the first loses
// its opening brace and each before the last its closing one, so the pieces concatenate into
// one JSON object with the columns in order.
func payloadSQL(s Spec) string {
	columns := s.Columns
	if s.OrganizationColumn {
		columns = append(slices.Clip(columns), organizationColumn)
	}
	chunks := slices.Collect(slices.Chunk(columns, objectColumns))
	if len(chunks) <= 1 {
		return objectSQL(columns)
	}

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		part := objectSQL(chunk)
		if i < len(chunks)-1 {
			part = "left(" + part + ", -1)"
		}
		if i > 0 {
			part = "substr(" + part + ", 2)"
		}
		parts[i] = part
	}
	return strings.Join(parts, " || ', ' || ")
}

// FunctionSQL renders the CREATE OR REPLACE FUNCTION statement.
func FunctionSQL(s Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s()\n", conditional.QuoteIdentifier(s.Function))
	b.WriteString("RETURNS TRIGGER AS $$\n")
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "    IF %s THEN\n", s.Condition())
	fmt.Fprintf(&b, "        PERFORM pg_notify(%s, %s);\n", pq.QuoteLiteral(s.Listener), payloadSQL(s))
	b.WriteString("    END IF;\n")
	b.WriteString("    RETURN NULL;\n")
	b.WriteString("END;\n")
	b.WriteString("$$ LANGUAGE plpgsql;")
	return b.String()
}

func triggerEvents(action database.DatabaseAction) string {
	switch action {
	case database.ActionUpdate:
		return "UPDATE"
	case database.ActionBoth:
		return "INSERT OR UPDATE"
	default:
		return "INSERT"
	}
}

// TriggerSQL renders the CREATE TRIGGER statement.
func TriggerSQL(s Spec) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s\nAFTER %s ON %s\nFOR EACH ROW EXECUTE FUNCTION %s();",
		conditional.QuoteIdentifier(s.Trigger),
		triggerEvents(s.Action),
		qualifiedTable(s.Table),
		conditional.QuoteIdentifier(s.Function),
	)
}

func dropTriggerSQL(trigger, table string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s;", conditional.QuoteIdentifier(trigger), qualifiedTable(table))
}

func dropFunctionSQL(function string) string {
	return fmt.Sprintf("DROP FUNCTION IF EXISTS %s();", conditional.QuoteIdentifier(function))
}

func controlFunctionSQL(function, channel string) string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s()
RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify(%s, TG_OP);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;`, conditional.QuoteIdentifier(function), pq.QuoteLiteral(channel))
}

func controlTriggerSQL(trigger, table, function string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s\nAFTER INSERT OR UPDATE OR DELETE ON %s\nFOR EACH ROW EXECUTE FUNCTION %s();",
		conditional.QuoteIdentifier(trigger),
		qualifiedTable(table),
		conditional.QuoteIdentifier(function),
	)
}
