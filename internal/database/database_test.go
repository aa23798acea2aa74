package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"changealerts/internal/conditional"
)

var ruleColumnNames = []string{
	"id", "organization_id", "business_unit_id", "name", "description", "is_active",
	"effective_date", "expiration_date", "source", "database_action", "table_name", "topic",
	"conditional_logic", "function_name", "trigger_name", "listener_name",
	"email_profile_id", "email_recipients", "custom_subject", "created", "modified",
}

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &DB{conn: conn}, mock
}

func postgresRuleRow(rows *sqlmock.Rows, id string, logic any) *sqlmock.Rows {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(
		id, "org-1", nil, "New shipments", "", true,
		nil, nil, "POSTGRES", "INSERT", "shipment", nil,
		logic, "notify_new_shipment", "after_insert_shipment", "new_added_shipment",
		"profile-1", "a@example.com, b@example.com", "", now, now,
	)
}

func TestNewDB(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{name: "invalid DSN", dsn: "invalid-dsn", wantErr: true},
		{name: "empty DSN", dsn: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := NewDB(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDB() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && db != nil {
				db.Close()
			}
		})
	}
}

func TestDB_Close(t *testing.T) {
	db := &DB{conn: nil}
	if err := db.Close(); err != nil {
		t.Errorf("Close() with nil conn error = %v, want nil", err)
	}
}

func TestDB_WithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM table_change_alert").WithArgs("rule-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			return db.DeleteRule(ctx, tx, "rule-1")
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Mock expectations were not met: %v", err)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := db.WithTx(ctx, func(tx *sql.Tx) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want %v", err, boom)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Mock expectations were not met: %v", err)
		}
	})
}

func TestDB_ActiveRules(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	logic := `{"name":"n","description":"d","model_name":"shipment","app_label":"shipment",
		"conditions":[{"id":1,"column":"org","operation":"eq","value":"123","data_type":"string"}]}`

	tests := []struct {
		name      string
		setupMock func()
		wantCount int
		wantErr   bool
	}{
		{
			name: "returns rules with logic",
			setupMock: func() {
				rows := sqlmock.NewRows(ruleColumnNames)
				postgresRuleRow(rows, "rule-1", []byte(logic))
				postgresRuleRow(rows, "rule-2", nil)
				mock.ExpectQuery("FROM table_change_alert WHERE is_active = TRUE").
					WithArgs(SourcePostgres).
					WillReturnRows(rows)
			},
			wantCount: 2,
		},
		{
			name: "query error",
			setupMock: func() {
				mock.ExpectQuery("FROM table_change_alert").
					WithArgs(SourcePostgres).
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			rules, err := db.ActiveRules(ctx, SourcePostgres)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ActiveRules() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(rules) != tt.wantCount {
				t.Fatalf("ActiveRules() returned %d rules, want %d", len(rules), tt.wantCount)
			}
			if tt.wantCount > 0 {
				first := rules[0]
				if first.ConditionalLogic == nil || first.ConditionalLogic.Conditions[0].Operation != conditional.OpEq {
					t.Errorf("conditional logic not decoded: %+v", first.ConditionalLogic)
				}
				if first.EmailProfileID == nil || *first.EmailProfileID != "profile-1" {
					t.Errorf("EmailProfileID = %v, want profile-1", first.EmailProfileID)
				}
				if rules[1].ConditionalLogic != nil {
					t.Errorf("nil logic column should decode to nil, got %+v", rules[1].ConditionalLogic)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Mock expectations were not met: %v", err)
			}
		})
	}
}

func TestDB_ChannelRules(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(ruleColumnNames)
	postgresRuleRow(rows, "rule-1", nil)
	postgresRuleRow(rows, "rule-2", nil)
	mock.ExpectBegin()
	mock.ExpectQuery("AND table_name = \\$2 AND database_action = \\$3").
		WithArgs(SourcePostgres, "shipment", ActionInsert).
		WillReturnRows(rows)
	mock.ExpectCommit()

	var got []*AlertRule
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		got, err = db.ChannelRules(ctx, tx, "shipment", ActionInsert)
		return err
	})
	if err != nil {
		t.Fatalf("ChannelRules() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "rule-1" || got[1].ID != "rule-2" {
		t.Errorf("ChannelRules() = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_GetRule(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		setupMock func()
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func() {
				mock.ExpectQuery("FROM table_change_alert WHERE id").
					WithArgs("rule-1").
					WillReturnRows(postgresRuleRow(sqlmock.NewRows(ruleColumnNames), "rule-1", nil))
			},
		},
		{
			name: "not found",
			setupMock: func() {
				mock.ExpectQuery("FROM table_change_alert WHERE id").
					WithArgs("rule-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrRuleNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			rule, err := db.GetRule(ctx, "rule-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("GetRule() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetRule() error = %v", err)
			}
			if rule.TriggerName != "after_insert_shipment" || rule.Source != SourcePostgres {
				t.Errorf("GetRule() = %+v", rule)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Mock expectations were not met: %v", err)
			}
		})
	}
}

func TestDB_CreateRule(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()
	profile := "profile-1"
	now := time.Now()

	newRule := func() *AlertRule {
		return &AlertRule{
			ID:              "rule-1",
			OrganizationID:  "org-1",
			Name:            "New shipments",
			IsActive:        true,
			Source:          SourcePostgres,
			DatabaseAction:  ActionInsert,
			Table:           "shipment",
			EmailProfileID:  &profile,
			EmailRecipients: "a@example.com",
			ConditionalLogic: &conditional.Logic{
				ModelName:  "shipment",
				AppLabel:   "shipment",
				Conditions: []conditional.Condition{{ID: "1", Column: "org", Operation: conditional.OpEq, Value: "1"}},
			},
		}
	}

	tests := []struct {
		name      string
		setupMock func()
		wantErr   bool
		errMsg    string
	}{
		{
			name: "successful create",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO table_change_alert").
					WillReturnRows(sqlmock.NewRows([]string{"created", "modified"}).AddRow(now, now))
			},
		},
		{
			name: "duplicate rule",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO table_change_alert").
					WillReturnError(&pq.Error{Code: "23505"})
			},
			wantErr: true,
			errMsg:  "alert rule already exists",
		},
		{
			name: "missing email profile",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO table_change_alert").
					WillReturnError(&pq.Error{Code: "23503"})
			},
			wantErr: true,
			errMsg:  "email profile not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			rule := newRule()
			err := db.CreateRule(ctx, nil, rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("CreateRule() error = %v, want error containing %v", err, tt.errMsg)
			}
			if !tt.wantErr && !rule.CreatedAt.Equal(now) {
				t.Errorf("CreatedAt = %v, want %v", rule.CreatedAt, now)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Mock expectations were not met: %v", err)
			}
		})
	}
}

func TestDB_UpdateRule_NotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("UPDATE table_change_alert").WillReturnError(sql.ErrNoRows)

	err := db.UpdateRule(context.Background(), nil, &AlertRule{ID: "missing", Source: SourceKafka, Topic: "t"})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("UpdateRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestDB_DeleteRule(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM table_change_alert").WithArgs("rule-1").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := db.DeleteRule(ctx, nil, "rule-1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() error = %v, want ErrRuleNotFound", err)
	}

	mock.ExpectExec("DELETE FROM table_change_alert").WithArgs("rule-1").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := db.DeleteRule(ctx, nil, "rule-1"); err != nil {
		t.Errorf("DeleteRule() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_Columns(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("shipment").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("org").AddRow("status"))

	cols, err := db.Columns(context.Background(), "shipment")
	if err != nil {
		t.Fatalf("Columns() error = %v", err)
	}
	if strings.Join(cols, ",") != "id,org,status" {
		t.Errorf("Columns() = %v, want ordinal order", cols)
	}
}

func TestDB_ExistenceChecks(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM information_schema.tables").WithArgs("shipment").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.triggers").WithArgs("shipment", "after_insert_shipment").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("FROM pg_proc").WithArgs("notify_new_shipment").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if ok, err := db.TableExists(ctx, "shipment"); err != nil || !ok {
		t.Errorf("TableExists() = %v, %v", ok, err)
	}
	if ok, err := db.TriggerExists(ctx, nil, "after_insert_shipment", "shipment"); err != nil || ok {
		t.Errorf("TriggerExists() = %v, %v", ok, err)
	}
	if ok, err := db.FunctionExists(ctx, nil, "notify_new_shipment"); err != nil || !ok {
		t.Errorf("FunctionExists() = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_EmailProfileAddress(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM email_profile").WithArgs("profile-1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("ops@example.com"))
	addr, err := db.EmailProfileAddress(ctx, "profile-1")
	if err != nil || addr != "ops@example.com" {
		t.Errorf("EmailProfileAddress() = %q, %v", addr, err)
	}

	mock.ExpectQuery("FROM email_profile").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, err := db.EmailProfileAddress(ctx, "missing"); !errors.Is(err, ErrEmailProfileNotFound) {
		t.Errorf("EmailProfileAddress() error = %v, want ErrEmailProfileNotFound", err)
	}
}
