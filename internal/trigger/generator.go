package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
)

// ErrNotFound is returned by DropTrigger when neither the trigger nor its function exists.
var ErrNotFound = errors.New("trigger not found")

// Generator installs and removes alert triggers.
type Generator struct {
	db *database.DB
}

// New creates a Generator on db.
func New(db *database.DB) *Generator {
	return &Generator{db: db}
}

// BuildSpec combines the rules sharing a table and action into the spec of their one trigger.
// Rule organizations only filter rows when the table has an organization_id column.
func BuildSpec(table string, action database.DatabaseAction, columns []string, rules []*database.AlertRule) (Spec, error) {
	function, trig, listener := database.DeriveNames(action, table)
	if function == "" {
		return Spec{}, fmt.Errorf("no trigger for action %s", action)
	}
	if len(columns) == 0 {
		return Spec{}, fmt.Errorf("table %s does not exist or has no columns", table)
	}

	hasOrg := slices.Contains(columns, organizationColumn)
	spec := Spec{
		Table:              table,
		Function:           function,
		Trigger:            trig,
		Listener:           listener,
		Action:             action,
		Columns:            PayloadColumns(columns),
		OrganizationColumn: hasOrg,
	}
	for _, rule := range rules {
		predicate, err := conditional.Compile(rule.ConditionalLogic)
		if err != nil {
			return Spec{}, err
		}
		f := Filter{Predicate: predicate}
		if hasOrg {
			f.OrganizationID = rule.OrganizationID
		}
		spec.Filters = append(spec.Filters, f)
	}
	return spec, nil
}

// ChannelSpec resolves the trigger spec of a table and action from the enabled rules on it
// and the live table schema. tx may be nil.
func (g *Generator) ChannelSpec(ctx context.Context, tx database.Querier, table string, action database.DatabaseAction) (Spec, error) {
	rules, err := g.db.ChannelRules(ctx, tx, table, action)
	if err != nil {
		return Spec{}, err
	}
	if len(rules) == 0 {
		return Spec{}, fmt.Errorf("no enabled rules on %s for action %s", table, action)
	}
	return g.buildSpec(ctx, table, action, rules)
}

func (g *Generator) buildSpec(ctx context.Context, table string, action database.DatabaseAction, rules []*database.AlertRule) (Spec, error) {
	columns, err := g.db.Columns(ctx, table)
	if err != nil {
		return Spec{}, err
	}
	return BuildSpec(table, action, columns, rules)
}

// SyncChannelTx regenerates the trigger of a table and action from every enabled rule on it,
// inside the caller's transaction so the rule change being made is seen. A channel left
// without rules loses its trigger and function.
func (g *Generator) SyncChannelTx(ctx context.Context, tx database.Querier, table string, action database.DatabaseAction) error {
	function, trig, _ := database.DeriveNames(action, table)
	if function == "" {
		return fmt.Errorf("no trigger for action %s", action)
	}

	rules, err := g.db.ChannelRules(ctx, tx, table, action)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		err := g.DropTriggerTx(ctx, tx, trig, function, table)
		if errors.Is(err, ErrNotFound) {
			slog.Debug("No trigger to drop", "trigger", trig, "table", table)
			return nil
		}
		return err
	}

	spec, err := g.buildSpec(ctx, table, action, rules)
	if err != nil {
		return err
	}
	return g.install(ctx, tx, spec, len(rules))
}

// EnsureTrigger creates or replaces the trigger a Postgres rule notifies through in one
// transaction.
func (g *Generator) EnsureTrigger(ctx context.Context, rule *database.AlertRule) error {
	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		return g.EnsureTriggerTx(ctx, tx, rule)
	})
}

// EnsureTriggerTx is EnsureTrigger inside the caller's transaction. The trigger is rebuilt
// from every rule sharing the rule's table and action.
func (g *Generator) EnsureTriggerTx(ctx context.Context, tx database.Querier, rule *database.AlertRule) error {
	if rule.Source != database.SourcePostgres {
		return fmt.Errorf("rule %s is not a Postgres rule", rule.ID)
	}
	return g.SyncChannelTx(ctx, tx, rule.Table, rule.DatabaseAction)
}

func (g *Generator) install(ctx context.Context, tx database.Querier, spec Spec, rules int) error {
	if err := g.db.Exec(ctx, tx, FunctionSQL(spec)); err != nil {
		return fmt.Errorf("failed to create function %s: %w", spec.Function, err)
	}
	if err := g.db.Exec(ctx, tx, dropTriggerSQL(spec.Trigger, spec.Table)); err != nil {
		return fmt.Errorf("failed to replace trigger %s: %w", spec.Trigger, err)
	}
	if err := g.db.Exec(ctx, tx, TriggerSQL(spec)); err != nil {
		return fmt.Errorf("failed to create trigger %s: %w", spec.Trigger, err)
	}
	slog.Info("Installed alert trigger",
		"trigger", spec.Trigger,
		"function", spec.Function,
		"table", spec.Table,
		"channel", spec.Listener,
		"rules", rules,
	)
	return nil
}

// DropTrigger removes a trigger and its function in one transaction.
func (g *Generator) DropTrigger(ctx context.Context, trigger, function, table string) error {
	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		return g.DropTriggerTx(ctx, tx, trigger, function, table)
	})
}

// DropTriggerTx is DropTrigger inside the caller's transaction.
func (g *Generator) DropTriggerTx(ctx context.Context, tx database.Querier, trigger, function, table string) error {
	triggerExists, err := g.db.TriggerExists(ctx, tx, trigger, table)
	if err != nil {
		return err
	}
	functionExists, err := g.db.FunctionExists(ctx, tx, function)
	if err != nil {
		return err
	}
	if !triggerExists && !functionExists {
		return fmt.Errorf("%w: %s on %s", ErrNotFound, trigger, table)
	}

	if err := g.db.Exec(ctx, tx, dropTriggerSQL(trigger, table)); err != nil {
		return fmt.Errorf("failed to drop trigger %s: %w", trigger, err)
	}
	if err := g.db.Exec(ctx, tx, dropFunctionSQL(function)); err != nil {
		return fmt.Errorf("failed to drop function %s: %w", function, err)
	}
	slog.Info("Dropped alert trigger", "trigger", trigger, "function", function, "table", table)
	return nil
}

// NeedsRecreate reports whether the trigger installed for old no longer matches updated.
func NeedsRecreate(old, updated *database.AlertRule) bool {
	return old.Source != updated.Source ||
		old.Table != updated.Table ||
		old.DatabaseAction != updated.DatabaseAction ||
		old.OrganizationID != updated.OrganizationID ||
		old.IsActive != updated.IsActive ||
		!old.ConditionalLogic.Equal(updated.ConditionalLogic)
}

// Recreate brings the installed triggers in line with an updated rule in one transaction.
func (g *Generator) Recreate(ctx context.Context, old, updated *database.AlertRule) error {
	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		return g.RecreateTx(ctx, tx, old, updated)
	})
}

// RecreateTx is Recreate inside the caller's transaction, after the update was written. A
// table, action or source change also regenerates the channel the rule left, which is dropped
// when no rule remains on it.
func (g *Generator) RecreateTx(ctx context.Context, tx database.Querier, old, updated *database.AlertRule) error {
	if !NeedsRecreate(old, updated) {
		return nil
	}

	moved := old.Source != updated.Source ||
		old.Table != updated.Table ||
		old.DatabaseAction != updated.DatabaseAction
	if old.Source == database.SourcePostgres && old.TriggerName != "" && moved {
		if err := g.SyncChannelTx(ctx, tx, old.Table, old.DatabaseAction); err != nil {
			return err
		}
	}

	if updated.Source != database.SourcePostgres {
		return nil
	}
	return g.SyncChannelTx(ctx, tx, updated.Table, updated.DatabaseAction)
}

// EnsureControlTrigger installs the meta trigger that notifies channel whenever a row of
// table is inserted, updated or deleted.
func (g *Generator) EnsureControlTrigger(ctx context.Context, table, channel string) error {
	function := database.TruncateIdentifier("notify_" + channel)
	trig := database.TruncateIdentifier("after_change_" + table)

	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.db.Exec(ctx, tx, controlFunctionSQL(function, channel)); err != nil {
			return fmt.Errorf("failed to create control function %s: %w", function, err)
		}
		if err := g.db.Exec(ctx, tx, dropTriggerSQL(trig, table)); err != nil {
			return fmt.Errorf("failed to replace control trigger %s: %w", trig, err)
		}
		if err := g.db.Exec(ctx, tx, controlTriggerSQL(trig, table, function)); err != nil {
			return fmt.Errorf("failed to create control trigger %s: %w", trig, err)
		}
		slog.Info("Installed control trigger", "table", table, "channel", channel)
		return nil
	})
}
