package services

import (
	"context"
	"errors"
	"testing"

	"fieldcrm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationRuleService_ValidateRule(t *testing.T) {
	svc := NewAutomationRuleService(nil, nil, quietLogger())

	valid := welcomeRule(Constraints{CooldownMinutes: intPtr(60)})
	require.NoError(t, svc.ValidateRule(&valid))

	tests := []struct {
		name   string
		mutate func(r *AutomationRuleRequest)
	}{
		{"missing name", func(r *AutomationRuleRequest) { r.Name = "" }},
		{"wildcard trigger", func(r *AutomationRuleRequest) { r.TriggerEvent = "lead.*" }},
		{"no actions", func(r *AutomationRuleRequest) { r.Actions = nil }},
		{"unknown operator", func(r *AutomationRuleRequest) {
			r.Conditions = []Condition{{Field: "x", Operator: "contains", Value: StringValue("a")}}
		}},
		{"gt needs number", func(r *AutomationRuleRequest) {
			r.Conditions = []Condition{{Field: "amount", Operator: OpGt, Value: StringValue("lots")}}
		}},
		{"changed_to needs value", func(r *AutomationRuleRequest) {
			r.Conditions = []Condition{{Field: "stage", Operator: OpChangedTo}}
		}},
		{"email without recipient", func(r *AutomationRuleRequest) {
			r.Actions = []ActionSpec{{Type: ActionSendEmail, Email: &MessageActionConfig{Template: "welcome"}}}
		}},
		{"email without config", func(r *AutomationRuleRequest) {
			r.Actions = []ActionSpec{{Type: ActionSendEmail}}
		}},
		{"wait without delay", func(r *AutomationRuleRequest) {
			r.Actions = []ActionSpec{{Type: ActionWait}}
		}},
		{"negative delay", func(r *AutomationRuleRequest) {
			a := emailAction("email", "welcome")
			a.DelayMinutes = -5
			r.Actions = []ActionSpec{a}
		}},
		{"half quiet hours", func(r *AutomationRuleRequest) { r.Constraints.QuietHoursStart = "22:00" }},
		{"zero max fires", func(r *AutomationRuleRequest) { r.Constraints.MaxFiresPerEntity = intPtr(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := welcomeRule(Constraints{})
			tt.mutate(&req)
			err := svc.ValidateRule(&req)
			assert.True(t, errors.Is(err, ErrInvalidRule), "got %v", err)
		})
	}
}

func TestAutomationRuleService_CRUD(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	created := f.createRule(t, "acme", welcomeRule(Constraints{CooldownMinutes: intPtr(30)}))
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, 1, f.rules.Snapshot().Len())

	got, err := f.ruleService.GetRule(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead.created", got.TriggerEvent)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, StringValue("web"), got.Conditions[0].Value)
	require.NotNil(t, got.Constraints.CooldownMinutes)
	assert.Equal(t, 30, *got.Constraints.CooldownMinutes)

	_, err = f.ruleService.GetRule(ctx, "globex", created.ID)
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	update := welcomeRule(Constraints{})
	update.Name = "Renamed"
	update.TriggerEvent = "lead.updated"
	updated, err := f.ruleService.UpdateRule(ctx, "acme", created.ID, &update)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Empty(t, f.rules.Snapshot().Candidates("acme", "lead.created"))
	assert.Len(t, f.rules.Snapshot().Candidates("acme", "lead.updated"), 1)

	got, err = f.ruleService.GetRule(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Constraints.CooldownMinutes)

	toggled, err := f.ruleService.ToggleRule(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)
	assert.Empty(t, f.rules.Snapshot().Candidates("acme", "lead.updated"))

	_, err = f.ruleService.SetActive(ctx, "acme", 999, true)
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	require.NoError(t, f.ruleService.DeleteRule(ctx, "acme", created.ID))
	assert.Zero(t, f.rules.Snapshot().Len())
	assert.True(t, errors.Is(f.ruleService.DeleteRule(ctx, "acme", created.ID), ErrRuleNotFound))
}

func TestAutomationRuleService_ListRules(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.createRule(t, "acme", welcomeRule(Constraints{}))
	other := welcomeRule(Constraints{})
	other.TriggerEvent = "deal.won"
	off := false
	other.IsActive = &off
	f.createRule(t, "acme", other)
	f.createRule(t, "globex", welcomeRule(Constraints{}))

	rules, total, err := f.ruleService.ListRules(ctx, "acme", RuleListQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, rules, 2)
	assert.Less(t, rules[0].ID, rules[1].ID)

	active := true
	rules, total, err = f.ruleService.ListRules(ctx, "acme", RuleListQuery{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "lead.created", rules[0].TriggerEvent)

	rules, _, err = f.ruleService.ListRules(ctx, "acme", RuleListQuery{TriggerEvent: "deal.won"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].IsActive)
}

func TestAutomationRuleService_ImportIsAllOrNothing(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	bad := welcomeRule(Constraints{})
	bad.Actions = nil
	_, err := f.ruleService.ImportRules(ctx, "acme", []AutomationRuleRequest{welcomeRule(Constraints{}), bad})
	assert.True(t, errors.Is(err, ErrInvalidRule))

	var count int64
	require.NoError(t, f.db.Model(&models.AutomationRule{}).Count(&count).Error)
	assert.Zero(t, count)

	imported, err := f.ruleService.ImportRules(ctx, "acme", []AutomationRuleRequest{welcomeRule(Constraints{}), waitThenNudgeRule()})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.NotZero(t, imported[1].ID)
	assert.Len(t, f.rules.Snapshot().Candidates("acme", "lead.created"), 2)
}

func TestRuleSnapshot_Candidates(t *testing.T) {
	snap := NewRuleSnapshot([]AutomationRule{
		{ID: 9, TenantID: "acme", TriggerEvent: "lead.created", IsActive: true},
		{ID: 2, TenantID: "acme", TriggerEvent: "lead.created", IsActive: true},
		{ID: 5, TenantID: "acme", TriggerEvent: "lead.created", IsActive: false},
		{ID: 3, TenantID: "globex", TriggerEvent: "lead.created", IsActive: true},
		{ID: 4, TenantID: "acme", TriggerEvent: "lead.updated", IsActive: true},
	})

	got := snap.Candidates("acme", "lead.created")
	require.Len(t, got, 2)
	assert.Equal(t, uint(2), got[0].ID)
	assert.Equal(t, uint(9), got[1].ID)

	_, ok := snap.Get("acme", 3)
	assert.False(t, ok)
	r, ok := snap.Get("acme", 5)
	assert.True(t, ok)
	assert.False(t, r.IsActive)
	assert.Equal(t, 5, snap.Len())
}

func TestRuleStore_ReloadSkipsUndecodableRows(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewRuleStore(db, quietLogger())

	good, err := ruleToModel(AutomationRule{TenantID: "acme", Name: "ok", TriggerEvent: "lead.created", IsActive: true, Actions: []ActionSpec{emailAction("email", "w")}})
	require.NoError(t, err)
	require.NoError(t, db.Create(&good).Error)
	broken := models.AutomationRule{TenantID: "acme", Name: "broken", TriggerEvent: "lead.created", IsActive: true, Actions: []byte(`[{"type":"fax"}]`)}
	require.NoError(t, db.Create(&broken).Error)

	require.NoError(t, store.Reload(context.Background()))
	candidates := store.Snapshot().Candidates("acme", "lead.created")
	require.Len(t, candidates, 1)
	assert.Equal(t, "ok", candidates[0].Name)
}
