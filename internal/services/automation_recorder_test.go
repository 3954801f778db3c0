package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveOutcome(t *testing.T) {
	reason := "cooldown active"
	executed := ActionResult{Status: ActionExecuted}
	skipped := ActionResult{Status: ActionSkipped}
	failed := ActionResult{Status: ActionFailed}

	tests := []struct {
		name    string
		supp    *string
		failure string
		results []ActionResult
		want    Outcome
	}{
		{"suppressed wins", &reason, "", []ActionResult{failed}, OutcomeSuppressed},
		{"failure reason", nil, "ledger conflict", nil, OutcomeFailed},
		{"any failed action", nil, "", []ActionResult{executed, failed, executed}, OutcomeFailed},
		{"executed and skipped", nil, "", []ActionResult{executed, skipped}, OutcomeSuccessful},
		{"no actions", nil, "", nil, OutcomeSuccessful},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOutcome(tt.supp, tt.failure, tt.results))
		})
	}
}

func newTestRecorder(t *testing.T) *ExecutionRecorder {
	t.Helper()
	db := newAutomationTestDB(t)
	r := NewExecutionRecorder(db, NewGormLedgerStore(db), quietLogger(), nil)
	r.now = func() time.Time { return testNow }
	return r
}

func TestExecutionRecorder_RecordAndGet(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	rule := AutomationRule{ID: 3, TenantID: "acme", Name: "Welcome"}
	evt := leadCreated("acme", "lead-1", nil)

	rec, err := r.Record(ctx, RecordInput{
		Rule:             rule,
		Event:            evt,
		ConditionsPassed: true,
		ConditionResults: []ConditionResult{{Field: "source", Operator: OpEq, Status: ConditionPassed}},
		ActionResults:    []ActionResult{{Type: ActionSendEmail, Status: ActionExecuted, Detail: "sent", At: testNow}},
	})
	require.NoError(t, err)
	assert.Len(t, rec.ID, 26)
	assert.Equal(t, OutcomeSuccessful, rec.Outcome)
	assert.Equal(t, ExecutionCompleted, rec.Status)

	got, err := r.Get(ctx, "acme", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got.RuleName)
	assert.Equal(t, "lead-1", got.EntityID)
	require.Len(t, got.ActionResults, 1)
	assert.Equal(t, "sent", got.ActionResults[0].Detail)
	assert.Nil(t, got.SuppressionReason)

	_, err = r.Get(ctx, "globex", rec.ID)
	assert.True(t, errors.Is(err, ErrExecutionNotFound))
}

func TestExecutionRecorder_AppendResults(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	rec, err := r.Record(ctx, RecordInput{
		Rule:             AutomationRule{ID: 1, TenantID: "acme"},
		Event:            leadCreated("acme", "lead-1", nil),
		ConditionsPassed: true,
		ActionResults:    []ActionResult{{Type: ActionWait, Status: ActionExecuted}},
		InProgress:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, ExecutionInProgress, rec.Status)

	updated, err := r.AppendResults(ctx, rec.ID, []ActionResult{{Type: ActionSendEmail, Status: ActionFailed, Detail: "bounced"}}, true)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, updated.Status)
	assert.Equal(t, OutcomeFailed, updated.Outcome)
	assert.Len(t, updated.ActionResults, 2)

	got, err := r.Get(ctx, "acme", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.Equal(t, OutcomeFailed, got.Outcome)
	assert.Len(t, got.ActionResults, 2)

	_, err = r.AppendResults(ctx, "missing", nil, true)
	assert.True(t, errors.Is(err, ErrExecutionNotFound))
}

func TestExecutionRecorder_List(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	reason := "max fires reached"

	for i, entity := range []string{"lead-1", "lead-2", "lead-1"} {
		in := RecordInput{
			Rule:      AutomationRule{ID: 1, TenantID: "acme"},
			Event:     leadCreated("acme", entity, nil),
			Timestamp: testNow.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			in.SuppressionReason = &reason
		}
		_, err := r.Record(ctx, in)
		require.NoError(t, err)
	}
	_, err := r.Record(ctx, RecordInput{Rule: AutomationRule{ID: 1, TenantID: "globex"}, Event: leadCreated("globex", "lead-1", nil)})
	require.NoError(t, err)

	all, total, err := r.List(ctx, ExecutionQuery{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp))

	byEntity, total, err := r.List(ctx, ExecutionQuery{TenantID: "acme", EntityID: "lead-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, byEntity, 2)

	suppressed, _, err := r.List(ctx, ExecutionQuery{TenantID: "acme", Outcome: OutcomeSuppressed})
	require.NoError(t, err)
	require.Len(t, suppressed, 1)
	assert.Equal(t, reason, *suppressed[0].SuppressionReason)
}

func TestExecutionRecorder_IDsAreSortable(t *testing.T) {
	r := newTestRecorder(t)
	a, b := r.NewID(), r.NewID()
	assert.Less(t, a, b)
}
