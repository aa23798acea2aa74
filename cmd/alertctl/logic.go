package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"changealerts/internal/catalog"
	"changealerts/internal/conditional"
)

func newValidateLogicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-logic FILE",
		Short: "Validate a conditional logic JSON document",
		Long: `Checks the document structure, operations and value shapes. When --catalog is set
the model and every condition column are also checked against the model catalog.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logic, err := readLogic(args[0])
			if err != nil {
				return err
			}
			if cfg.CatalogPath == "" {
				return validateLogic(cmd.Context(), cmd.OutOrStdout(), logic, nil)
			}

			var columns catalog.ColumnSource
			if cfg.PostgresDSN != "" {
				db, err := openDB()
				if err != nil {
					return err
				}
				defer db.Close()
				columns = db
			}
			models, err := catalog.Load(cfg.CatalogPath, columns)
			if err != nil {
				return err
			}
			return validateLogic(cmd.Context(), cmd.OutOrStdout(), logic, models)
		},
	}
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile FILE",
		Short: "Print the SQL predicate a conditional logic document compiles to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logic, err := readLogic(args[0])
			if err != nil {
				return err
			}
			return compileLogic(cmd.OutOrStdout(), logic)
		},
	}
}

func readLogic(path string) (*conditional.Logic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return conditional.Parse(data)
}

func validateLogic(ctx context.Context, w io.Writer, logic *conditional.Logic, fields conditional.FieldChecker) error {
	if err := conditional.Validate(logic); err != nil {
		return err
	}
	if fields != nil {
		if err := conditional.ValidateFields(ctx, logic, fields); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "Conditional logic %q is valid (%d conditions)\n", logic.Name, len(logic.Conditions))
	return nil
}

func compileLogic(w io.Writer, logic *conditional.Logic) error {
	if err := conditional.Validate(logic); err != nil {
		return err
	}
	predicate, err := conditional.Compile(logic)
	if err != nil {
		return err
	}
	if predicate == "" {
		fmt.Fprintln(w, "-- matches every row")
		return nil
	}
	fmt.Fprintln(w, predicate)
	return nil
}
