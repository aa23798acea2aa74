package rules

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
	"changealerts/internal/events"
	"changealerts/internal/trigger"
)

// mockRepository keeps rules in memory. WithTx runs fn with a nil transaction and discards
// the changes fn made when it fails.
type mockRepository struct {
	rules    map[string]*database.AlertRule
	tables   map[string]bool
	createFn func(rule *database.AlertRule) error
}

func newMockRepository(rules ...*database.AlertRule) *mockRepository {
	m := &mockRepository{
		rules:  make(map[string]*database.AlertRule),
		tables: map[string]bool{"shipment": true, "invoice": true},
	}
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return m
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	snapshot := make(map[string]*database.AlertRule, len(m.rules))
	for k, v := range m.rules {
		snapshot[k] = v
	}
	if err := fn(nil); err != nil {
		m.rules = snapshot
		return err
	}
	return nil
}

func (m *mockRepository) GetRule(ctx context.Context, id string) (*database.AlertRule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, database.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepository) ListRules(ctx context.Context) ([]*database.AlertRule, error) {
	var out []*database.AlertRule
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRepository) CreateRule(ctx context.Context, tx database.Querier, rule *database.AlertRule) error {
	if m.createFn != nil {
		if err := m.createFn(rule); err != nil {
			return err
		}
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *mockRepository) UpdateRule(ctx context.Context, tx database.Querier, rule *database.AlertRule) error {
	if _, ok := m.rules[rule.ID]; !ok {
		return database.ErrRuleNotFound
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *mockRepository) DeleteRule(ctx context.Context, tx database.Querier, id string) error {
	if _, ok := m.rules[id]; !ok {
		return database.ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRepository) TableExists(ctx context.Context, table string) (bool, error) {
	return m.tables[table], nil
}

type triggerCall struct {
	op   string
	name string
}

// mockTriggers regenerates channels from the repository's rules the way the trigger generator
// does, recording the enabled rules each trigger was built from.
type mockTriggers struct {
	repo  *mockRepository
	calls []triggerCall
	syncE error
	dropE error
}

func (m *mockTriggers) SyncChannelTx(ctx context.Context, tx database.Querier, table string, action database.DatabaseAction) error {
	_, trig, _ := database.DeriveNames(action, table)
	var ids []string
	for _, r := range m.repo.rules {
		if r.Source == database.SourcePostgres && r.IsActive && r.Table == table && r.DatabaseAction == action {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		m.calls = append(m.calls, triggerCall{"drop", trig})
		return m.dropE
	}
	slices.Sort(ids)
	m.calls = append(m.calls, triggerCall{"sync", trig + ":" + strings.Join(ids, ",")})
	return m.syncE
}

func (m *mockTriggers) RecreateTx(ctx context.Context, tx database.Querier, old, updated *database.AlertRule) error {
	if !trigger.NeedsRecreate(old, updated) {
		return nil
	}
	if old.Source == database.SourcePostgres && (old.Table != updated.Table || old.DatabaseAction != updated.DatabaseAction || updated.Source != old.Source) {
		if err := m.SyncChannelTx(ctx, tx, old.Table, old.DatabaseAction); err != nil {
			return err
		}
	}
	if updated.Source != database.SourcePostgres {
		return nil
	}
	return m.SyncChannelTx(ctx, tx, updated.Table, updated.DatabaseAction)
}

type mockPublisher struct {
	published []*events.RuleChanged
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, changed *events.RuleChanged) error {
	m.published = append(m.published, changed)
	return m.err
}

type mockFields struct{}

func (mockFields) ModelExists(ctx context.Context, app, model string) (bool, error) {
	return app == "shipment" && model == "shipment", nil
}

func (mockFields) FieldExists(ctx context.Context, app, model, field string) (bool, error) {
	return field == "status" || field == "organization", nil
}

func pgRule(id string, action database.DatabaseAction) *database.AlertRule {
	r := &database.AlertRule{
		ID:              id,
		Name:            "rule " + id,
		IsActive:        true,
		Source:          database.SourcePostgres,
		DatabaseAction:  action,
		Table:           "shipment",
		EmailRecipients: "ops@example.com",
	}
	r.AssignNames()
	return r
}

func newService(repo *mockRepository) (*Service, *mockTriggers, *mockPublisher) {
	trig := &mockTriggers{repo: repo}
	pub := &mockPublisher{}
	s := NewService(repo, trig, mockFields{})
	s.SetPublisher(pub)
	return s, trig, pub
}

func TestValidateRule(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		mutate  func(r *database.AlertRule)
		topics  TopicChecker
		wantErr string
	}{
		{"valid postgres", func(r *database.AlertRule) {}, nil, ""},
		{"missing table", func(r *database.AlertRule) { r.Table = "" }, nil, database.MsgTableRequired},
		{"unknown table", func(r *database.AlertRule) { r.Table = "ghost" }, nil, "Table 'ghost' does not exist."},
		{"delete on postgres", func(r *database.AlertRule) { r.DatabaseAction = database.ActionDelete }, nil, database.MsgDeleteRequiresKafka},
		{"kafka without topic", func(r *database.AlertRule) { r.Source = database.SourceKafka; r.Table = "" }, nil, database.MsgTopicRequired},
		{
			"kafka unknown topic",
			func(r *database.AlertRule) { r.Source = database.SourceKafka; r.Topic = "db.public.ghost" },
			func(ctx context.Context, topic string) (bool, error) { return false, nil },
			"Topic 'db.public.ghost' does not exist.",
		},
		{
			"expiration before effective",
			func(r *database.AlertRule) { r.EffectiveDate = &now; r.ExpirationDate = &earlier },
			nil,
			"Expiration date must be after effective date.",
		},
		{
			"excluded field",
			func(r *database.AlertRule) {
				r.ConditionalLogic = &conditional.Logic{
					Name: "org", ModelName: "shipment", AppLabel: "shipment",
					Conditions: []conditional.Condition{{ID: "1", Column: "organization", Operation: conditional.OpEq, Value: "x"}},
				}
			},
			nil,
			"Conditional Field 'organization' is not allowed for model 'shipment'",
		},
		{
			"in without list",
			func(r *database.AlertRule) {
				r.ConditionalLogic = &conditional.Logic{
					Name: "in", ModelName: "shipment", AppLabel: "shipment",
					Conditions: []conditional.Condition{{ID: "3", Column: "status", Operation: conditional.OpIn, Value: "123"}},
				}
			},
			nil,
			"Operation 'in' expects a list value in condition ID 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newService(newMockRepository())
			s.SetTopicChecker(tt.topics)
			r := pgRule("r1", database.ActionInsert)
			tt.mutate(r)

			err := s.ValidateRule(context.Background(), r)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRule() error = %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("ValidateRule() error = %v, want %q", err, tt.wantErr)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error %T is not a *ValidationError", err)
			}
		})
	}
}

func TestCreate_Postgres(t *testing.T) {
	repo := newMockRepository()
	s, trig, pub := newService(repo)

	rule := pgRule("", database.ActionInsert)
	got, err := s.Create(context.Background(), rule)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.ID == "" {
		t.Error("ID not generated")
	}
	if got.FunctionName != "notify_new_shipment" || got.TriggerName != "after_insert_shipment" || got.ListenerName != "new_added_shipment" {
		t.Errorf("names = %s/%s/%s", got.FunctionName, got.TriggerName, got.ListenerName)
	}
	if len(trig.calls) != 1 || trig.calls[0] != (triggerCall{"sync", "after_insert_shipment:" + got.ID}) {
		t.Errorf("trigger calls = %+v", trig.calls)
	}
	if len(pub.published) != 1 || pub.published[0].Action != events.RuleCreated {
		t.Errorf("published = %+v", pub.published)
	}
}

func TestCreate_KafkaHasNoTrigger(t *testing.T) {
	repo := newMockRepository()
	s, trig, _ := newService(repo)
	s.SetTopicChecker(func(ctx context.Context, topic string) (bool, error) { return true, nil })

	rule := &database.AlertRule{
		Source:          database.SourceKafka,
		DatabaseAction:  database.ActionDelete,
		Topic:           "db.public.invoice",
		EmailRecipients: "ops@example.com",
		FunctionName:    "stale",
	}
	got, err := s.Create(context.Background(), rule)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.FunctionName != "" || got.TriggerName != "" || got.ListenerName != "" {
		t.Error("derived names set on a Kafka rule")
	}
	if len(trig.calls) != 0 {
		t.Errorf("trigger calls = %+v", trig.calls)
	}
}

func TestCreate_TriggerFailureRollsBack(t *testing.T) {
	repo := newMockRepository()
	s, trig, pub := newService(repo)
	trig.syncE = errors.New("permission denied")

	if _, err := s.Create(context.Background(), pgRule("r1", database.ActionInsert)); err == nil {
		t.Fatal("Create() expected error")
	}
	if len(repo.rules) != 0 {
		t.Error("rule persisted although trigger creation failed")
	}
	if len(pub.published) != 0 {
		t.Error("change announced although it was rolled back")
	}
}

func TestCreate_PublishFailureIsNotFatal(t *testing.T) {
	s, _, pub := newService(newMockRepository())
	pub.err = errors.New("kafka down")

	if _, err := s.Create(context.Background(), pgRule("r1", database.ActionInsert)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestUpdate_ActionChangeRecreates(t *testing.T) {
	repo := newMockRepository(pgRule("r1", database.ActionInsert))
	s, trig, pub := newService(repo)

	updated := pgRule("r1", database.ActionUpdate)
	got, err := s.Update(context.Background(), updated)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.TriggerName != "after_update_shipment" {
		t.Errorf("TriggerName = %s", got.TriggerName)
	}
	want := []triggerCall{{"drop", "after_insert_shipment"}, {"sync", "after_update_shipment:r1"}}
	if !slices.Equal(trig.calls, want) {
		t.Errorf("trigger calls = %+v, want %+v", trig.calls, want)
	}
	if pub.published[0].Action != events.RuleUpdated {
		t.Errorf("published = %+v", pub.published)
	}
}

func TestUpdate_RegeneratesSharedChannels(t *testing.T) {
	tests := []struct {
		name   string
		rules  []*database.AlertRule
		mutate func(r *database.AlertRule)
		want   []triggerCall
	}{
		{
			name:   "moved rule leaves remaining siblings on the old trigger",
			rules:  []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionInsert), pgRule("r3", database.ActionInsert)},
			mutate: func(r *database.AlertRule) { r.DatabaseAction = database.ActionUpdate; r.AssignNames() },
			want:   []triggerCall{{"sync", "after_insert_shipment:r2,r3"}, {"sync", "after_update_shipment:r1"}},
		},
		{
			name:  "logic change rebuilds from every sibling",
			rules: []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionInsert)},
			mutate: func(r *database.AlertRule) {
				r.ConditionalLogic = &conditional.Logic{
					Name: "open", ModelName: "shipment", AppLabel: "shipment",
					Conditions: []conditional.Condition{{ID: "1", Column: "status", Operation: conditional.OpEq, Value: "open"}},
				}
			},
			want: []triggerCall{{"sync", "after_insert_shipment:r1,r2"}},
		},
		{
			name:   "deactivated rule drops out of the trigger",
			rules:  []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionInsert)},
			mutate: func(r *database.AlertRule) { r.IsActive = false },
			want:   []triggerCall{{"sync", "after_insert_shipment:r2"}},
		},
		{
			name:   "recipients change leaves triggers alone",
			rules:  []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionInsert)},
			mutate: func(r *database.AlertRule) { r.EmailRecipients = "new@example.com" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepository(tt.rules...)
			s, trig, _ := newService(repo)

			updated := pgRule("r1", database.ActionInsert)
			tt.mutate(updated)
			if _, err := s.Update(context.Background(), updated); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if !slices.Equal(trig.calls, tt.want) {
				t.Errorf("trigger calls = %+v, want %+v", trig.calls, tt.want)
			}
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s, _, _ := newService(newMockRepository())
	if _, err := s.Update(context.Background(), pgRule("missing", database.ActionInsert)); !errors.Is(err, database.ErrRuleNotFound) {
		t.Errorf("Update() error = %v, want ErrRuleNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name      string
		rules     []*database.AlertRule
		dropErr   error
		wantCalls []triggerCall
		wantErr   bool
	}{
		{
			name:      "drops trigger of last rule",
			rules:     []*database.AlertRule{pgRule("r1", database.ActionInsert)},
			wantCalls: []triggerCall{{"drop", "after_insert_shipment"}},
		},
		{
			name:      "drop failure",
			rules:     []*database.AlertRule{pgRule("r1", database.ActionInsert)},
			dropErr:   errors.New("lock timeout"),
			wantCalls: []triggerCall{{"drop", "after_insert_shipment"}},
			wantErr:   true,
		},
		{
			name:      "shared trigger rebuilt from remaining rules",
			rules:     []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionInsert), pgRule("r3", database.ActionInsert)},
			wantCalls: []triggerCall{{"sync", "after_insert_shipment:r2,r3"}},
		},
		{
			name:      "rule on another channel untouched",
			rules:     []*database.AlertRule{pgRule("r1", database.ActionInsert), pgRule("r2", database.ActionBoth)},
			wantCalls: []triggerCall{{"drop", "after_insert_shipment"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepository(tt.rules...)
			s, trig, _ := newService(repo)
			trig.dropE = tt.dropErr

			err := s.Delete(context.Background(), "r1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Delete() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !slices.Equal(trig.calls, tt.wantCalls) {
				t.Fatalf("trigger calls = %+v, want %+v", trig.calls, tt.wantCalls)
			}
			_, stillThere := repo.rules["r1"]
			if stillThere != tt.wantErr {
				t.Errorf("rule present = %v after delete (wantErr %v)", stillThere, tt.wantErr)
			}
		})
	}
}

func TestSyncTriggers(t *testing.T) {
	kafka := &database.AlertRule{ID: "k1", Source: database.SourceKafka, Topic: "t", DatabaseAction: database.ActionInsert}
	repo := newMockRepository(
		pgRule("r1", database.ActionInsert),
		pgRule("r2", database.ActionBoth),
		pgRule("r3", database.ActionInsert),
		kafka,
	)
	s, trig, pub := newService(repo)

	n, err := s.SyncTriggers(context.Background())
	if err != nil {
		t.Fatalf("SyncTriggers() error = %v", err)
	}
	if n != 2 || len(trig.calls) != 2 {
		t.Fatalf("synced = %d, calls = %+v", n, trig.calls)
	}
	if !slices.Contains(trig.calls, triggerCall{"sync", "after_insert_shipment:r1,r3"}) ||
		!slices.Contains(trig.calls, triggerCall{"sync", "after_insert_or_update_shipment:r2"}) {
		t.Errorf("trigger calls = %+v", trig.calls)
	}
	if len(pub.published) != 1 || pub.published[0].Action != events.RuleSynced {
		t.Errorf("published = %+v", pub.published)
	}

	trig.syncE = errors.New("boom")
	n, err = s.SyncTriggers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") || n != 0 {
		t.Errorf("SyncTriggers() = %d, %v", n, err)
	}
}
