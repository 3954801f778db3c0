package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fieldcrm/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ActionContext carries what an action may read while executing.
type ActionContext struct {
	Event       Event
	TenantID    string
	RuleID      uint
	ExecutionID string
}

// ExecutionPlan is the synchronous part of an action sequence plus what is left
// for a continuation, if anything.
type ExecutionPlan struct {
	Results        []ActionResult
	Remaining      []ActionSpec
	ResumeAt       time.Time
	SkipFirstDelay bool
}

// Deferred reports whether a continuation must be scheduled.
func (p ExecutionPlan) Deferred() bool { return len(p.Remaining) > 0 }

// ActionExecutor runs an action sequence in declared order. Actions are
// independent: a failed action is recorded and the next one still runs.
type ActionExecutor struct {
	delegates ActionDelegates
	logger    *logrus.Logger
	metrics   *metrics.AutomationMetrics
	now       func() time.Time
}

func NewActionExecutor(delegates ActionDelegates, logger *logrus.Logger, m *metrics.AutomationMetrics) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{delegates: delegates, logger: logger, metrics: m, now: time.Now}
}

// Execute runs actions until the end of the sequence or the first delay in live
// mode. Test mode never touches a delegate and treats waits as already elapsed.
// skipFirstDelay is set when resuming an action whose own delay was the reason
// for the continuation.
func (x *ActionExecutor) Execute(ctx context.Context, actions []ActionSpec, ac ActionContext, isTestMode, skipFirstDelay bool) ExecutionPlan {
	plan := ExecutionPlan{Results: make([]ActionResult, 0, len(actions))}
	ctx = WithDelegateMeta(ctx, DelegateMeta{
		TenantID:    ac.TenantID,
		RuleID:      ac.RuleID,
		ExecutionID: ac.ExecutionID,
		EntityType:  ac.Event.EntityType,
		EntityID:    ac.Event.EntityID,
	})

	for i, action := range actions {
		delay := action.DelayMinutes
		if i == 0 && skipFirstDelay && action.Type != ActionWait {
			delay = 0
		}

		if isTestMode {
			plan.Results = append(plan.Results, x.result(action.Type, ActionExecuted, describeTestAction(action, delay, ac.Event)))
			continue
		}

		if action.Type == ActionWait {
			resumeAt := x.now().Add(time.Duration(delay) * time.Minute)
			plan.Results = append(plan.Results, x.result(ActionWait, ActionExecuted,
				fmt.Sprintf("waiting %d minutes, resumes at %s", delay, resumeAt.UTC().Format(time.RFC3339))))
			if rest := actions[i+1:]; len(rest) > 0 {
				plan.Remaining = append([]ActionSpec(nil), rest...)
				plan.ResumeAt = resumeAt
			}
			return plan
		}

		if delay > 0 {
			plan.Remaining = append([]ActionSpec(nil), actions[i:]...)
			plan.ResumeAt = x.now().Add(time.Duration(delay) * time.Minute)
			plan.SkipFirstDelay = true
			return plan
		}

		status, detail := x.dispatch(ctx, action, ac.Event)
		plan.Results = append(plan.Results, x.result(action.Type, status, detail))
	}
	return plan
}

func (x *ActionExecutor) result(t ActionType, status ActionStatus, detail string) ActionResult {
	x.metrics.IncActionResult(string(t), string(status))
	return ActionResult{Type: t, Status: status, Detail: detail, At: x.now().UTC()}
}

// dispatch calls the delegate for one action. A panicking delegate is reported
// as a failed action.
func (x *ActionExecutor) dispatch(ctx context.Context, action ActionSpec, evt Event) (status ActionStatus, detail string) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Errorf("automation: action %s panicked: %v", action.Type, r)
			status, detail = ActionFailed, fmt.Sprintf("panic: %v", r)
		}
	}()
	if x.delegates == nil {
		return ActionFailed, "no action delegates configured"
	}

	switch action.Type {
	case ActionSendEmail, ActionSendSMS:
		cfg := action.Email
		send := x.delegates.SendEmail
		if action.Type == ActionSendSMS {
			cfg = action.SMS
			send = x.delegates.SendSMS
		}
		if cfg == nil {
			return ActionFailed, "missing config"
		}
		to, ok := resolveRecipient(cfg, evt)
		if !ok {
			return ActionSkipped, "recipient is empty: " + recipientSource(cfg)
		}
		if err := send(ctx, to, cfg.Template, renderVars(cfg.Vars, evt)); err != nil {
			return ActionFailed, err.Error()
		}
		return ActionExecuted, fmt.Sprintf("sent to %s using template %s", to, cfg.Template)

	case ActionNotify:
		cfg := action.Notify
		if cfg == nil {
			return ActionFailed, "missing config"
		}
		msg := renderTemplate(cfg.Message, evt)
		if err := x.delegates.Notify(ctx, cfg.Channel, msg); err != nil {
			return ActionFailed, err.Error()
		}
		return ActionExecuted, fmt.Sprintf("notified %s", cfg.Channel)

	case ActionCreateTask:
		cfg := action.Task
		if cfg == nil {
			return ActionFailed, "missing config"
		}
		assignee := renderTemplate(cfg.Assignee, evt)
		if assignee == "" {
			return ActionSkipped, "assignee is empty"
		}
		dueAt := x.now().Add(time.Duration(cfg.DueInHours) * time.Hour)
		title := renderTemplate(cfg.Title, evt)
		if err := x.delegates.CreateTask(ctx, assignee, dueAt, title); err != nil {
			return ActionFailed, err.Error()
		}
		return ActionExecuted, fmt.Sprintf("task %q created for %s", title, assignee)

	case ActionUpdateField:
		cfg := action.UpdateField
		if cfg == nil {
			return ActionFailed, "missing config"
		}
		value, ok := resolveFieldValue(cfg, evt)
		if !ok {
			return ActionSkipped, fmt.Sprintf("source field %q missing", cfg.FromField)
		}
		entityType := cfg.EntityType
		if entityType == "" {
			entityType = evt.EntityType
		}
		if err := x.delegates.UpdateField(ctx, entityType, evt.EntityID, cfg.Field, value); err != nil {
			return ActionFailed, err.Error()
		}
		return ActionExecuted, fmt.Sprintf("%s.%s set to %s", entityType, cfg.Field, value)

	default:
		return ActionFailed, fmt.Sprintf("unsupported action type %q", action.Type)
	}
}

// describeTestAction renders what a live run would have done.
func describeTestAction(action ActionSpec, delay int, evt Event) string {
	var what string
	switch action.Type {
	case ActionWait:
		return fmt.Sprintf("would wait %d minutes (test mode continues immediately)", action.DelayMinutes)
	case ActionSendEmail, ActionSendSMS:
		cfg := action.Email
		kind := "email"
		if action.Type == ActionSendSMS {
			cfg, kind = action.SMS, "sms"
		}
		if cfg == nil {
			what = "would send " + kind
			break
		}
		to, ok := resolveRecipient(cfg, evt)
		if !ok {
			to = "<empty " + recipientSource(cfg) + ">"
		}
		what = fmt.Sprintf("would send %s to %s using template %s", kind, to, cfg.Template)
	case ActionNotify:
		if action.Notify == nil {
			what = "would notify"
			break
		}
		what = fmt.Sprintf("would notify %s: %s", action.Notify.Channel, renderTemplate(action.Notify.Message, evt))
	case ActionCreateTask:
		if action.Task == nil {
			what = "would create task"
			break
		}
		what = fmt.Sprintf("would create task %q for %s due in %dh",
			renderTemplate(action.Task.Title, evt), renderTemplate(action.Task.Assignee, evt), action.Task.DueInHours)
	case ActionUpdateField:
		cfg := action.UpdateField
		if cfg == nil {
			what = "would update field"
			break
		}
		value, _ := resolveFieldValue(cfg, evt)
		entityType := cfg.EntityType
		if entityType == "" {
			entityType = evt.EntityType
		}
		what = fmt.Sprintf("would set %s.%s to %s", entityType, cfg.Field, value)
	default:
		what = fmt.Sprintf("would run %s", action.Type)
	}
	if delay > 0 {
		what = fmt.Sprintf("%s after %d minutes", what, delay)
	}
	return what
}

func resolveRecipient(cfg *MessageActionConfig, evt Event) (string, bool) {
	if cfg.ToField == "" {
		to := renderTemplate(cfg.To, evt)
		return to, to != ""
	}
	v, ok := evt.Field(cfg.ToField)
	if !ok || v.IsEmpty() {
		return "", false
	}
	return v.String(), true
}

func recipientSource(cfg *MessageActionConfig) string {
	if cfg.ToField != "" {
		return cfg.ToField
	}
	return cfg.To
}

func resolveFieldValue(cfg *UpdateFieldActionConfig, evt Event) (Value, bool) {
	if cfg.FromField == "" {
		return cfg.Value, true
	}
	v, ok := evt.Field(cfg.FromField)
	return v, ok
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// renderTemplate substitutes {{field}} placeholders with event values. A few
// envelope names are available besides the field snapshot.
func renderTemplate(s string, evt Event) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		switch name {
		case "entity_id":
			return evt.EntityID
		case "entity_type":
			return evt.EntityType
		case "event_name":
			return evt.Name
		case "tenant_id":
			return evt.TenantID
		}
		if v, ok := evt.Field(name); ok {
			return v.String()
		}
		return ""
	})
}

func renderVars(vars map[string]string, evt Event) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = renderTemplate(v, evt)
	}
	return out
}
