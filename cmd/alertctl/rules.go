package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"changealerts/internal/database"
	"changealerts/internal/trigger"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create FILE",
		Short: "Create a rule from a JSON document and install its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := readRule(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			created, err := e.service.Create(cmd.Context(), rule)
			if err != nil {
				return err
			}
			printRule(cmd.OutOrStdout(), "Created", created)
			return nil
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "update FILE",
		Short: "Replace a rule from a JSON document, recreating its trigger when needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := readRule(args[0])
			if err != nil {
				return err
			}
			if id != "" {
				rule.ID = id
			}
			if rule.ID == "" {
				return fmt.Errorf("rule id is required: set \"id\" in the document or pass --id")
			}
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			updated, err := e.service.Update(cmd.Context(), rule)
			if err != nil {
				return err
			}
			printRule(cmd.OutOrStdout(), "Updated", updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ID of the rule to update (overrides the document)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule and drop its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.service.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", args[0])
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var all []*database.AlertRule
			if activeOnly {
				for _, source := range []database.Source{database.SourcePostgres, database.SourceKafka} {
					active, err := db.ActiveRules(cmd.Context(), source)
					if err != nil {
						return err
					}
					all = append(all, active...)
				}
			} else if all, err = db.ListRules(cmd.Context()); err != nil {
				return err
			}
			writeRules(cmd.OutOrStdout(), all)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only rules that are active and inside their effective window")
	return cmd
}

func newSyncTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-triggers",
		Short: "Regenerate the trigger of every table and action with Postgres rules",
		Long: `Regenerates each shared trigger function from its rules and the current table schema,
for example after columns were added to a watched table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.service.SyncTriggers(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d triggers\n", n)
			return err
		},
	}
}

func newShowTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-trigger ID",
		Short: "Print the trigger DDL a Postgres rule shares with the rules on its table and action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			rule, err := db.GetRule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rule.Source != database.SourcePostgres {
				return fmt.Errorf("rule %s is not a Postgres rule", rule.ID)
			}
			spec, err := trigger.New(db).ChannelSpec(cmd.Context(), nil, rule.Table, rule.DatabaseAction)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), trigger.FunctionSQL(spec))
			fmt.Fprintln(cmd.OutOrStdout(), trigger.TriggerSQL(spec))
			return nil
		},
	}
}

func printRule(w io.Writer, verb string, rule *database.AlertRule) {
	fmt.Fprintf(w, "%s rule %s (%s %s on %s)\n", verb, rule.ID, rule.Source, rule.DatabaseAction, target(rule))
	if rule.ListenerName != "" {
		fmt.Fprintf(w, "  trigger %s, function %s, channel %s\n", rule.TriggerName, rule.FunctionName, rule.ListenerName)
	}
}

func writeRules(w io.Writer, rules []*database.AlertRule) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tACTION\tTARGET\tACTIVE\tCHANNEL")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.ID, r.Name, r.Source, r.DatabaseAction, target(r), r.IsActive, r.ListenerName)
	}
	tw.Flush()
}

func target(rule *database.AlertRule) string {
	if rule.Source == database.SourceKafka {
		return rule.Topic
	}
	return rule.Table
}
