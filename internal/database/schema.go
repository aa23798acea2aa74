package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Columns returns the column names of a public table in ordinal order.
func (db *DB) Columns(ctx context.Context, table string) ([]string, error) {
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`
	rows, err := db.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// TableExists reports whether a public table exists.
func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`
	var exists bool
	if err := db.conn.QueryRowContext(ctx, query, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}

// TriggerExists reports whether the named trigger is installed on table.
func (db *DB) TriggerExists(ctx context.Context, tx Querier, trigger, table string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM information_schema.triggers WHERE event_object_table = $1 AND trigger_name = $2)`
	var exists bool
	if err := db.q(tx).QueryRowContext(ctx, query, table, trigger).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check trigger %s: %w", trigger, err)
	}
	return exists, nil
}

// FunctionExists reports whether a function with the given name exists.
func (db *DB) FunctionExists(ctx context.Context, tx Querier, function string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1)`
	var exists bool
	if err := db.q(tx).QueryRowContext(ctx, query, function).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check function %s: %w", function, err)
	}
	return exists, nil
}

// Exec runs a statement, inside tx when one is given.
func (db *DB) Exec(ctx context.Context, tx Querier, query string, args ...any) error {
	if _, err := db.q(tx).ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

// EmailProfileAddress returns the sender address of an email profile.
func (db *DB) EmailProfileAddress(ctx context.Context, id string) (string, error) {
	var email string
	err := db.conn.QueryRowContext(ctx, `SELECT email FROM email_profile WHERE id = $1`, id).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrEmailProfileNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get email profile: %w", err)
	}
	return email, nil
}
