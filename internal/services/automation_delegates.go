package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldcrm/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrCircuitOpen is returned by a delegate whose circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ActionDelegates are the side-effect ports the executor dispatches to. The
// executor never calls them in test mode.
type ActionDelegates interface {
	SendEmail(ctx context.Context, to, template string, vars map[string]string) error
	SendSMS(ctx context.Context, to, template string, vars map[string]string) error
	Notify(ctx context.Context, channel, message string) error
	CreateTask(ctx context.Context, assignee string, dueAt time.Time, title string) error
	UpdateField(ctx context.Context, entityType, entityID, field string, value Value) error
}

// DelegateMeta identifies the execution on whose behalf a delegate is called.
type DelegateMeta struct {
	TenantID    string `json:"tenant_id"`
	RuleID      uint   `json:"rule_id"`
	ExecutionID string `json:"execution_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
}

type delegateMetaKey struct{}

func WithDelegateMeta(ctx context.Context, meta DelegateMeta) context.Context {
	return context.WithValue(ctx, delegateMetaKey{}, meta)
}

func DelegateMetaFrom(ctx context.Context) DelegateMeta {
	meta, _ := ctx.Value(delegateMetaKey{}).(DelegateMeta)
	return meta
}

// LogDelegates 开发环境使用：只记录日志，不产生外部副作用
type LogDelegates struct {
	logger *logrus.Logger
}

func NewLogDelegates(logger *logrus.Logger) *LogDelegates {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogDelegates{logger: logger}
}

func (d *LogDelegates) entry(ctx context.Context, action ActionType) *logrus.Entry {
	meta := DelegateMetaFrom(ctx)
	return d.logger.WithFields(logrus.Fields{
		"action":       action,
		"tenant_id":    meta.TenantID,
		"rule_id":      meta.RuleID,
		"execution_id": meta.ExecutionID,
		"entity_id":    meta.EntityID,
	})
}

func (d *LogDelegates) SendEmail(ctx context.Context, to, template string, vars map[string]string) error {
	d.entry(ctx, ActionSendEmail).Infof("email to %s using template %s (%d vars)", to, template, len(vars))
	return nil
}

func (d *LogDelegates) SendSMS(ctx context.Context, to, template string, vars map[string]string) error {
	d.entry(ctx, ActionSendSMS).Infof("sms to %s using template %s (%d vars)", to, template, len(vars))
	return nil
}

func (d *LogDelegates) Notify(ctx context.Context, channel, message string) error {
	d.entry(ctx, ActionNotify).Infof("notify %s: %s", channel, message)
	return nil
}

func (d *LogDelegates) CreateTask(ctx context.Context, assignee string, dueAt time.Time, title string) error {
	d.entry(ctx, ActionCreateTask).Infof("task %q for %s due %s", title, assignee, dueAt.Format(time.RFC3339))
	return nil
}

func (d *LogDelegates) UpdateField(ctx context.Context, entityType, entityID, field string, value Value) error {
	d.entry(ctx, ActionUpdateField).Infof("set %s/%s.%s = %s", entityType, entityID, field, value)
	return nil
}

// delegateCommand is the payload sent to collaborators over HTTP or NATS.
type delegateCommand struct {
	Action      ActionType        `json:"action"`
	Meta        DelegateMeta      `json:"meta"`
	To          string            `json:"to,omitempty"`
	Template    string            `json:"template,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Message     string            `json:"message,omitempty"`
	Assignee    string            `json:"assignee,omitempty"`
	Title       string            `json:"title,omitempty"`
	DueAt       *time.Time        `json:"due_at,omitempty"`
	EntityType  string            `json:"entity_type,omitempty"`
	EntityID    string            `json:"entity_id,omitempty"`
	Field       string            `json:"field,omitempty"`
	Value       *Value            `json:"value,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

func emailCommand(ctx context.Context, action ActionType, to, template string, vars map[string]string) delegateCommand {
	return delegateCommand{Action: action, Meta: DelegateMetaFrom(ctx), To: to, Template: template, Vars: vars, RequestedAt: time.Now().UTC()}
}

func notifyCommand(ctx context.Context, channel, message string) delegateCommand {
	return delegateCommand{Action: ActionNotify, Meta: DelegateMetaFrom(ctx), Channel: channel, Message: message, RequestedAt: time.Now().UTC()}
}

func taskCommand(ctx context.Context, assignee string, dueAt time.Time, title string) delegateCommand {
	due := dueAt.UTC()
	return delegateCommand{Action: ActionCreateTask, Meta: DelegateMetaFrom(ctx), Assignee: assignee, Title: title, DueAt: &due, RequestedAt: time.Now().UTC()}
}

func fieldCommand(ctx context.Context, entityType, entityID, field string, value Value) delegateCommand {
	return delegateCommand{Action: ActionUpdateField, Meta: DelegateMetaFrom(ctx), EntityType: entityType, EntityID: entityID, Field: field, Value: &value, RequestedAt: time.Now().UTC()}
}

// HTTPDelegates posts delegate commands as JSON to collaborator endpoints. Each
// action type has its own circuit breaker so a failing SMS gateway does not
// trip email delivery.
type HTTPDelegates struct {
	client    *http.Client
	baseURL   string
	endpoints map[string]string
	token     string
	breakers  map[ActionType]*CircuitBreaker
	logger    *logrus.Logger
}

func NewHTTPDelegates(cfg config.HTTPDelegatesConfig, cb config.CircuitBreakerConfig, logger *logrus.Logger) *HTTPDelegates {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &HTTPDelegates{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: cfg.Endpoints,
		token:     cfg.AuthToken,
		breakers:  make(map[ActionType]*CircuitBreaker),
		logger:    logger,
	}
	if cb.Enabled {
		for _, t := range []ActionType{ActionSendEmail, ActionSendSMS, ActionNotify, ActionCreateTask, ActionUpdateField} {
			d.breakers[t] = NewCircuitBreakerWithConfig(&CircuitBreakerConfig{
				MaxFailures:     cb.MaxFailures,
				ResetTimeout:    cb.ResetTimeout,
				HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
			})
		}
	}
	return d
}

// Breaker returns the circuit breaker guarding action, if any.
func (d *HTTPDelegates) Breaker(action ActionType) *CircuitBreaker {
	return d.breakers[action]
}

func (d *HTTPDelegates) post(ctx context.Context, cmd delegateCommand) error {
	path, ok := d.endpoints[string(cmd.Action)]
	if !ok || path == "" {
		return fmt.Errorf("no endpoint configured for %s", cmd.Action)
	}
	cb := d.breakers[cmd.Action]
	if cb != nil && !cb.Allow() {
		return fmt.Errorf("%s: %w", cmd.Action, ErrCircuitOpen)
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cmd.Meta.TenantID != "" {
		req.Header.Set("X-Tenant-ID", cmd.Meta.TenantID)
	}
	if cmd.Meta.ExecutionID != "" {
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", cmd.Meta.ExecutionID, cmd.Action))
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if cb != nil {
			cb.OnFailure()
		}
		return fmt.Errorf("%s request failed: %w", cmd.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if cb != nil && resp.StatusCode >= 500 {
			cb.OnFailure()
		}
		return fmt.Errorf("%s rejected: status %d: %s", cmd.Action, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if cb != nil {
		cb.OnSuccess()
	}
	return nil
}

func (d *HTTPDelegates) SendEmail(ctx context.Context, to, template string, vars map[string]string) error {
	return d.post(ctx, emailCommand(ctx, ActionSendEmail, to, template, vars))
}

func (d *HTTPDelegates) SendSMS(ctx context.Context, to, template string, vars map[string]string) error {
	return d.post(ctx, emailCommand(ctx, ActionSendSMS, to, template, vars))
}

func (d *HTTPDelegates) Notify(ctx context.Context, channel, message string) error {
	return d.post(ctx, notifyCommand(ctx, channel, message))
}

func (d *HTTPDelegates) CreateTask(ctx context.Context, assignee string, dueAt time.Time, title string) error {
	return d.post(ctx, taskCommand(ctx, assignee, dueAt, title))
}

func (d *HTTPDelegates) UpdateField(ctx context.Context, entityType, entityID, field string, value Value) error {
	return d.post(ctx, fieldCommand(ctx, entityType, entityID, field, value))
}

// Publisher is the subset of *nats.Conn used for publishing delegate commands.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDelegates publishes delegate commands on "<prefix>.<action type>"; the
// collaborator services consume them asynchronously.
type NATSDelegates struct {
	pub    Publisher
	prefix string
}

func NewNATSDelegates(pub Publisher, subjectPrefix string) *NATSDelegates {
	if subjectPrefix == "" {
		subjectPrefix = "crm.actions"
	}
	return &NATSDelegates{pub: pub, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

func (d *NATSDelegates) publish(cmd delegateCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Action, err)
	}
	subject := d.prefix + "." + string(cmd.Action)
	if err := d.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (d *NATSDelegates) SendEmail(ctx context.Context, to, template string, vars map[string]string) error {
	return d.publish(emailCommand(ctx, ActionSendEmail, to, template, vars))
}

func (d *NATSDelegates) SendSMS(ctx context.Context, to, template string, vars map[string]string) error {
	return d.publish(emailCommand(ctx, ActionSendSMS, to, template, vars))
}

func (d *NATSDelegates) Notify(ctx context.Context, channel, message string) error {
	return d.publish(notifyCommand(ctx, channel, message))
}

func (d *NATSDelegates) CreateTask(ctx context.Context, assignee string, dueAt time.Time, title string) error {
	return d.publish(taskCommand(ctx, assignee, dueAt, title))
}

func (d *NATSDelegates) UpdateField(ctx context.Context, entityType, entityID, field string, value Value) error {
	return d.publish(fieldCommand(ctx, entityType, entityID, field, value))
}
