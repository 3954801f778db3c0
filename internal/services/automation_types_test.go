package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFrom(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want Value
	}{
		{"nil", nil, NullValue()},
		{"string", "hot", StringValue("hot")},
		{"bool", true, BoolValue(true)},
		{"float", 12.5, NumberValue(12.5)},
		{"int", 7, NumberValue(7)},
		{"json number", json.Number("42"), NumberValue(42)},
		{"composite", []interface{}{"a", "b"}, StringValue(`["a","b"]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValueFrom(tt.in))
		})
	}
}

func TestValue_JSONScalars(t *testing.T) {
	var fields map[string]Value
	require.NoError(t, json.Unmarshal([]byte(`{"email":"a@b.co","amount":1500,"vip":false,"owner":null}`), &fields))

	assert.Equal(t, StringValue("a@b.co"), fields["email"])
	assert.Equal(t, NumberValue(1500), fields["amount"])
	assert.Equal(t, BoolValue(false), fields["vip"])
	assert.True(t, fields["owner"].IsNull())

	out, err := json.Marshal(fields["amount"])
	require.NoError(t, err)
	assert.Equal(t, "1500", string(out))
}

func TestValue_NumberAndEmpty(t *testing.T) {
	n, ok := StringValue("100").Number()
	assert.True(t, ok)
	assert.Equal(t, 100.0, n)

	_, ok = StringValue("lots").Number()
	assert.False(t, ok)

	assert.True(t, StringValue("").IsEmpty())
	assert.True(t, NullValue().IsEmpty())
	assert.False(t, NumberValue(0).IsEmpty())
	assert.Equal(t, "2.5", NumberValue(2.5).String())
}

func TestActionSpec_JSON(t *testing.T) {
	raw := `[
		{"type":"send_email","config":{"to_field":"email","template":"welcome"}},
		{"type":"wait","delay_minutes":60},
		{"type":"create_task","config":{"assignee":"{{owner_id}}","title":"Call {{name}}","due_in_hours":24}},
		{"type":"update_field","config":{"field":"stage","value":"contacted"}}
	]`
	var actions []ActionSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &actions))
	require.Len(t, actions, 4)

	assert.Equal(t, ActionSendEmail, actions[0].Type)
	require.NotNil(t, actions[0].Email)
	assert.Equal(t, "email", actions[0].Email.ToField)
	assert.Equal(t, 60, actions[1].DelayMinutes)
	require.NotNil(t, actions[2].Task)
	assert.Equal(t, 24, actions[2].Task.DueInHours)
	assert.Equal(t, StringValue("contacted"), actions[3].UpdateField.Value)

	out, err := json.Marshal(actions[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"send_email","config":{"to_field":"email","template":"welcome"}}`, string(out))
}

func TestActionSpec_UnsupportedType(t *testing.T) {
	var a ActionSpec
	err := json.Unmarshal([]byte(`{"type":"fax","config":{}}`), &a)
	assert.Error(t, err)
}

func TestEventAdapter_Normalize(t *testing.T) {
	adapter := NewEventAdapter()
	adapter.now = func() time.Time { return testNow }

	evt, err := adapter.Normalize(InboundEvent{
		TenantID: "acme",
		Name:     "lead.created",
		EntityID: "lead-1",
		Fields:   map[string]Value{"email": StringValue("x@y.z")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "lead", evt.EntityType)
	assert.Equal(t, testNow, evt.OccurredAt)
	assert.Equal(t, StringValue("x@y.z"), evt.Fields["email"])
	assert.NotNil(t, evt.Previous)

	occurred := testNow.Add(-time.Hour)
	evt, err = adapter.Normalize(InboundEvent{
		ID: "e-9", TenantID: "acme", Name: "invoice.overdue", EntityType: "invoice", EntityID: "inv-1", OccurredAt: &occurred,
	})
	require.NoError(t, err)
	assert.Equal(t, "e-9", evt.ID)
	assert.Equal(t, occurred, evt.OccurredAt)
}

func TestEventAdapter_Malformed(t *testing.T) {
	adapter := NewEventAdapter()
	cases := []InboundEvent{
		{TenantID: "acme", EntityID: "lead-1"},
		{Name: "lead.created", EntityID: "lead-1"},
		{Name: "lead.created", TenantID: "acme", EntityID: "  "},
	}
	for _, in := range cases {
		_, err := adapter.Normalize(in)
		assert.True(t, errors.Is(err, ErrMalformedEvent), "input %+v", in)
	}
}

func TestEventAdapter_CopiesFields(t *testing.T) {
	fields := map[string]Value{"stage": StringValue("new")}
	evt, err := NewEventAdapter().Normalize(InboundEvent{TenantID: "acme", Name: "lead.updated", EntityID: "l1", Fields: fields})
	require.NoError(t, err)
	fields["stage"] = StringValue("won")
	assert.Equal(t, StringValue("new"), evt.Fields["stage"])
}
