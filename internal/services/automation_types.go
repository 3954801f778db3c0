package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformedEvent is returned when an inbound event lacks name, tenant or entity id.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrInvalidRule is returned when a rule fails save-time validation.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrRuleNotFound is returned when a rule id does not exist for the tenant.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrLedgerConflict signals an optimistic concurrency conflict on a ledger write.
	ErrLedgerConflict = errors.New("ledger conflict")
)

// ValueKind is the declared type of a field value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a typed scalar taken from an event field snapshot or a rule config.
// It marshals to and from a plain JSON scalar.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func StringValue(s string) Value   { return Value{Kind: KindString, Str: s} }
func NumberValue(f float64) Value  { return Value{Kind: KindNumber, Num: f} }
func BoolValue(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func NullValue() Value             { return Value{} }
func (v Value) IsNull() bool       { return v.Kind == KindNull }
func (v Value) IsEmpty() bool      { return v.Kind == KindNull || (v.Kind == KindString && v.Str == "") }
func (v Value) Equal(o Value) bool { return v == o }

// ValueFrom converts a decoded JSON/YAML scalar. Composite values are kept as
// their JSON text so they can still be compared or templated.
func ValueFrom(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case uint:
		return NumberValue(float64(x))
	case uint64:
		return NumberValue(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return NumberValue(f)
		}
		return StringValue(x.String())
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return StringValue(fmt.Sprintf("%v", x))
		}
		return StringValue(string(b))
	}
}

// Number returns the numeric interpretation of v. Strings holding a number are
// accepted so that a condition written as "100" still compares numerically.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Interface returns the plain Go value, as used in JSON payloads for delegates.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = ValueFrom(raw)
	return nil
}

// Event is the canonical, immutable record of a domain occurrence.
type Event struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Fields     map[string]Value `json:"fields"`
	Previous   map[string]Value `json:"previous,omitempty"`
}

// Field returns the current value of a field.
func (e Event) Field(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// PreviousField returns the value a field held before the mutation, if the
// producer supplied it.
func (e Event) PreviousField(name string) (Value, bool) {
	v, ok := e.Previous[name]
	return v, ok
}

// ConditionOperator enumerates supported comparison operators.
type ConditionOperator string

const (
	OpEq         ConditionOperator = "eq"
	OpGt         ConditionOperator = "gt"
	OpLt         ConditionOperator = "lt"
	OpGte        ConditionOperator = "gte"
	OpLte        ConditionOperator = "lte"
	OpIsEmpty    ConditionOperator = "is_empty"
	OpIsNotEmpty ConditionOperator = "is_not_empty"
	OpChangedTo  ConditionOperator = "changed_to"
)

// Condition is a predicate over an event field. Conditions of a rule are AND-ed.
type Condition struct {
	Field    string            `json:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=eq gt lt gte lte is_empty is_not_empty changed_to"`
	Value    Value             `json:"value"`
}

// ConditionStatus is the diagnostic state of one condition in an evaluation.
type ConditionStatus string

const (
	ConditionPassed       ConditionStatus = "passed"
	ConditionFailed       ConditionStatus = "failed"
	ConditionNotEvaluated ConditionStatus = "not_evaluated"
)

type ConditionResult struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Status   ConditionStatus   `json:"status"`
	Detail   string            `json:"detail,omitempty"`
}

// ActionType discriminates the ActionSpec variant.
type ActionType string

const (
	ActionSendEmail   ActionType = "send_email"
	ActionSendSMS     ActionType = "send_sms"
	ActionNotify      ActionType = "notify"
	ActionUpdateField ActionType = "update_field"
	ActionCreateTask  ActionType = "create_task"
	ActionWait        ActionType = "wait"
)

// MessageActionConfig configures send_email and send_sms. The recipient is
// either a literal address or the name of an event field holding it.
type MessageActionConfig struct {
	To       string            `json:"to,omitempty" validate:"required_without=ToField"`
	ToField  string            `json:"to_field,omitempty" validate:"required_without=To"`
	Template string            `json:"template" validate:"required"`
	Vars     map[string]string `json:"vars,omitempty"`
}

type NotifyActionConfig struct {
	Channel string `json:"channel" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// UpdateFieldActionConfig sets a field on the triggering entity, or on another
// entity type when EntityType is given. FromField copies the value of an event
// field instead of a literal.
type UpdateFieldActionConfig struct {
	EntityType string `json:"entity_type,omitempty"`
	Field      string `json:"field" validate:"required"`
	Value      Value  `json:"value"`
	FromField  string `json:"from_field,omitempty"`
}

type CreateTaskActionConfig struct {
	Assignee   string `json:"assignee" validate:"required"`
	Title      string `json:"title" validate:"required"`
	DueInHours int    `json:"due_in_hours" validate:"gte=0"`
}

// ActionSpec is a tagged variant: exactly one config pointer matching Type is set.
type ActionSpec struct {
	Type         ActionType
	DelayMinutes int
	Email        *MessageActionConfig
	SMS          *MessageActionConfig
	Notify       *NotifyActionConfig
	UpdateField  *UpdateFieldActionConfig
	Task         *CreateTaskActionConfig
}

type actionSpecWire struct {
	Type         ActionType      `json:"type"`
	Config       json.RawMessage `json:"config,omitempty"`
	DelayMinutes int             `json:"delay_minutes,omitempty"`
}

func (a ActionSpec) MarshalJSON() ([]byte, error) {
	var cfg interface{}
	switch a.Type {
	case ActionSendEmail:
		cfg = a.Email
	case ActionSendSMS:
		cfg = a.SMS
	case ActionNotify:
		cfg = a.Notify
	case ActionUpdateField:
		cfg = a.UpdateField
	case ActionCreateTask:
		cfg = a.Task
	}
	w := actionSpecWire{Type: a.Type, DelayMinutes: a.DelayMinutes}
	if cfg != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		w.Config = raw
	}
	return json.Marshal(w)
}

func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var w actionSpecWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	spec := ActionSpec{Type: w.Type, DelayMinutes: w.DelayMinutes}
	cfg := w.Config
	if len(cfg) == 0 || string(cfg) == "null" {
		cfg = []byte("{}")
	}
	var err error
	switch w.Type {
	case ActionSendEmail:
		spec.Email = &MessageActionConfig{}
		err = json.Unmarshal(cfg, spec.Email)
	case ActionSendSMS:
		spec.SMS = &MessageActionConfig{}
		err = json.Unmarshal(cfg, spec.SMS)
	case ActionNotify:
		spec.Notify = &NotifyActionConfig{}
		err = json.Unmarshal(cfg, spec.Notify)
	case ActionUpdateField:
		spec.UpdateField = &UpdateFieldActionConfig{}
		err = json.Unmarshal(cfg, spec.UpdateField)
	case ActionCreateTask:
		spec.Task = &CreateTaskActionConfig{}
		err = json.Unmarshal(cfg, spec.Task)
	case ActionWait:
	default:
		return fmt.Errorf("unsupported action type: %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("%s config: %w", w.Type, err)
	}
	*a = spec
	return nil
}

// Constraints are the anti-spam limits of a rule. Nil/empty means no limit.
type Constraints struct {
	CooldownMinutes   *int   `json:"cooldown_minutes,omitempty" validate:"omitempty,gt=0"`
	QuietHoursStart   string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string `json:"quiet_hours_end,omitempty"`
	MaxFiresPerEntity *int   `json:"max_fires_per_entity,omitempty" validate:"omitempty,gt=0"`
	BusinessDaysOnly  bool   `json:"business_days_only,omitempty"`
}

// AutomationRule is the engine's read-only, validated view of a rule.
type AutomationRule struct {
	ID           uint         `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Name         string       `json:"name"`
	IsActive     bool         `json:"is_active"`
	IsTestMode   bool         `json:"is_test_mode"`
	TriggerEvent string       `json:"trigger_event"`
	Conditions   []Condition  `json:"conditions"`
	Actions      []ActionSpec `json:"actions"`
	Constraints  Constraints  `json:"constraints"`
}

// ActionStatus of one action in an execution.
type ActionStatus string

const (
	ActionExecuted ActionStatus = "executed"
	ActionSkipped  ActionStatus = "skipped"
	ActionFailed   ActionStatus = "failed"
)

type ActionResult struct {
	Type   ActionType   `json:"type"`
	Status ActionStatus `json:"status"`
	Detail string       `json:"detail"`
	At     time.Time    `json:"at"`
}

// Outcome of a rule evaluation as shown in the audit trail.
type Outcome string

const (
	OutcomeSuccessful Outcome = "successful"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

const (
	ExecutionCompleted  = "completed"
	ExecutionInProgress = "in_progress"
)

// ExecutionRecord is the audit entry for one rule evaluated against one event.
type ExecutionRecord struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	RuleID            uint              `json:"rule_id"`
	RuleName          string            `json:"rule_name"`
	EventID           string            `json:"event_id"`
	EventName         string            `json:"event_name"`
	EntityType        string            `json:"entity_type"`
	EntityID          string            `json:"entity_id"`
	Timestamp         time.Time         `json:"timestamp"`
	ConditionsPassed  bool              `json:"conditions_passed"`
	ConditionResults  []ConditionResult `json:"condition_results"`
	SuppressionReason *string           `json:"suppression_reason"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	ActionResults     []ActionResult    `json:"action_results"`
	IsTestMode        bool              `json:"is_test_mode"`
	Outcome           Outcome           `json:"outcome"`
	Status            string            `json:"status"`
}
