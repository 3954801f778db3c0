package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldcrm/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecutionObserver receives every execution record the engine produces or
// updates. Observers must not block.
type ExecutionObserver func(ExecutionRecord)

// EngineDeps wires the engine's collaborators.
type EngineDeps struct {
	Rules            *RuleStore
	Gate             *ConstraintGate
	Executor         *ActionExecutor
	Recorder         *ExecutionRecorder
	Continuations    *ContinuationStore
	Scheduler        ContinuationScheduler
	Logger           *logrus.Logger
	Metrics          *metrics.AutomationMetrics
	MaxParallelRules int
}

// AutomationEngine evaluates every matching rule of a tenant against an event:
// conditions, constraint gate, actions, audit record. Rules are independent;
// one failing or panicking rule never affects its siblings.
type AutomationEngine struct {
	rules         *RuleStore
	gate          *ConstraintGate
	executor      *ActionExecutor
	recorder      *ExecutionRecorder
	continuations *ContinuationStore
	scheduler     ContinuationScheduler
	locks         *KeyedMutex
	logger        *logrus.Logger
	metrics       *metrics.AutomationMetrics
	tracer        trace.Tracer
	maxParallel   int
	now           func() time.Time

	recordRetryDelay time.Duration

	observersMu sync.RWMutex
	observers   []ExecutionObserver
}

func NewAutomationEngine(deps EngineDeps) *AutomationEngine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	parallel := deps.MaxParallelRules
	if parallel <= 0 {
		parallel = 8
	}
	return &AutomationEngine{
		rules:         deps.Rules,
		gate:          deps.Gate,
		executor:      deps.Executor,
		recorder:      deps.Recorder,
		continuations: deps.Continuations,
		scheduler:     deps.Scheduler,
		locks:         NewKeyedMutex(),
		logger:        logger,
		metrics:       deps.Metrics,
		tracer:        otel.Tracer("fieldcrm.automation"),
		maxParallel:   parallel,
		now:           time.Now,

		recordRetryDelay: 200 * time.Millisecond,
	}
}

// SetScheduler replaces the continuation scheduler. Schedulers that resume
// through the engine are built after it.
func (e *AutomationEngine) SetScheduler(s ContinuationScheduler) {
	e.scheduler = s
}

func (e *AutomationEngine) AddObserver(o ExecutionObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *AutomationEngine) notify(recs ...ExecutionRecord) {
	e.observersMu.RLock()
	observers := e.observers
	e.observersMu.RUnlock()
	for _, rec := range recs {
		for _, o := range observers {
			o(rec)
		}
	}
}

type evalOptions struct {
	forceTestMode bool
	dryRun        bool
}

// Evaluate runs every active rule of the event's tenant whose trigger matches
// the event name and returns one record per rule in ascending rule id order.
func (e *AutomationEngine) Evaluate(ctx context.Context, evt Event) ([]ExecutionRecord, error) {
	if evt.Name == "" || evt.TenantID == "" || evt.EntityID == "" {
		return nil, ErrMalformedEvent
	}

	ctx, span := e.tracer.Start(ctx, "automation.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.tenant_id", evt.TenantID),
		attribute.String("automation.event", evt.Name),
		attribute.String("automation.entity_id", evt.EntityID),
	)

	candidates := e.rules.Snapshot().Candidates(evt.TenantID, evt.Name)
	span.SetAttributes(attribute.Int("automation.candidates", len(candidates)))
	if len(candidates) == 0 {
		return []ExecutionRecord{}, nil
	}

	records := make([]ExecutionRecord, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, rule := range candidates {
		i, rule := i, rule
		g.Go(func() error {
			records[i] = e.evaluateRule(ctx, rule, evt, evalOptions{})
			return nil
		})
	}
	_ = g.Wait()

	e.notify(records...)
	return records, nil
}

// DryRun evaluates one rule against a sample event in forced test mode. The
// ledger is read but never written and the record is not persisted.
func (e *AutomationEngine) DryRun(ctx context.Context, tenantID string, ruleID uint, evt Event) (*ExecutionRecord, error) {
	rule, ok := e.rules.Snapshot().Get(tenantID, ruleID)
	if !ok {
		return nil, ErrRuleNotFound
	}
	evt.TenantID = tenantID
	if evt.Name == "" {
		evt.Name = rule.TriggerEvent
	}
	if evt.EntityType == "" {
		evt.EntityType = entityTypeOf(evt.Name)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = e.now().UTC()
	}
	if evt.EntityID == "" {
		return nil, fmt.Errorf("%w: missing entity_id", ErrMalformedEvent)
	}
	rec := e.evaluateRule(ctx, rule, evt, evalOptions{forceTestMode: true, dryRun: true})
	return &rec, nil
}

func (e *AutomationEngine) evaluateRule(ctx context.Context, rule AutomationRule, evt Event, opts evalOptions) (rec ExecutionRecord) {
	started := e.now()
	testMode := rule.IsTestMode || opts.forceTestMode
	in := RecordInput{
		ID:         e.recorder.NewID(),
		Rule:       rule,
		Event:      evt,
		Timestamp:  started,
		IsTestMode: testMode,
	}

	ctx, span := e.tracer.Start(ctx, "automation.evaluate_rule")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.rule_id", int64(rule.ID)),
		attribute.Bool("automation.test_mode", testMode),
	)

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(e.fields(rule, evt)).Errorf("automation: rule evaluation panicked: %v", r)
			in.FailureReason = fmt.Sprintf("panic: %v", r)
			in.InProgress = false
			rec = e.finish(ctx, in, opts, started)
		}
	}()

	passed, condResults := EvaluateConditions(rule.Conditions, evt)
	in.ConditionsPassed = passed
	in.ConditionResults = condResults
	if !passed {
		reason := conditionsNotMetReason(condResults)
		in.SuppressionReason = &reason
		return e.finish(ctx, in, opts, started)
	}

	key := LedgerKey{
		TenantID: rule.TenantID,
		RuleID:   rule.ID,
		EntityID: evt.EntityID,
		Scope:    scopeFor(testMode),
	}
	decision, err := e.admit(ctx, rule, key, started, opts.dryRun)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrLedgerConflict) {
			in.FailureReason = ErrLedgerConflict.Error()
		} else {
			in.FailureReason = err.Error()
		}
		return e.finish(ctx, in, opts, started)
	}
	if !decision.Allowed {
		reason := decision.Reason
		in.SuppressionReason = &reason
		return e.finish(ctx, in, opts, started)
	}

	plan := e.executor.Execute(ctx, rule.Actions, ActionContext{
		Event:       evt,
		TenantID:    rule.TenantID,
		RuleID:      rule.ID,
		ExecutionID: in.ID,
	}, testMode, false)
	in.ActionResults = plan.Results
	in.InProgress = plan.Deferred() && !opts.dryRun

	rec = e.finish(ctx, in, opts, started)
	if in.InProgress {
		if err := e.deferRemaining(ctx, rec.ID, rule, evt, testMode, plan); err != nil {
			span.RecordError(err)
			e.logger.WithFields(e.fields(rule, evt)).Errorf("automation: schedule continuation failed: %v", err)
			if updated, appendErr := e.recorder.AppendResults(ctx, rec.ID, failRemaining(plan.Remaining, err, e.now()), true); appendErr == nil {
				rec = *updated
			}
		}
	}
	return rec
}

// admit runs the constraint gate and consumes the fire under the entity lock.
// A stale ledger read is retried once against fresh state.
func (e *AutomationEngine) admit(ctx context.Context, rule AutomationRule, key LedgerKey, now time.Time, dryRun bool) (GateDecision, error) {
	unlock := e.locks.Lock(entityLockKey(key))
	defer unlock()

	if dryRun {
		decision, _, err := e.gate.Check(ctx, rule, key, now)
		return decision, err
	}

	var decision GateDecision
	op := func() error {
		d, entry, err := e.gate.Check(ctx, rule, key, now)
		if err != nil {
			return backoff.Permanent(err)
		}
		decision = d
		if !d.Allowed {
			return nil
		}
		if _, err := e.recorder.ConsumeFire(ctx, key, entry, now); err != nil {
			if errors.Is(err, ErrLedgerConflict) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("record fire: %w", err))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return GateDecision{}, err
	}
	return decision, nil
}

func (e *AutomationEngine) finish(ctx context.Context, in RecordInput, opts evalOptions, started time.Time) ExecutionRecord {
	var rec ExecutionRecord
	if opts.dryRun {
		rec = e.recorder.Build(in)
	} else {
		rec = e.persist(ctx, in)
	}

	e.metrics.ObserveEvaluation(in.Rule.TriggerEvent, string(rec.Outcome), rec.IsTestMode, e.now().Sub(started).Seconds())
	entry := e.logger.WithFields(e.fields(in.Rule, in.Event)).WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"outcome":      rec.Outcome,
		"test_mode":    rec.IsTestMode,
	})
	switch rec.Outcome {
	case OutcomeSuppressed:
		entry.Debugf("automation: rule %q suppressed: %s", in.Rule.Name, *rec.SuppressionReason)
	case OutcomeFailed:
		entry.Warnf("automation: rule %q failed", in.Rule.Name)
	default:
		entry.Infof("automation: rule %q fired", in.Rule.Name)
	}
	return rec
}

// persist writes the execution record, retrying the insert once. The fire may
// already be in the ledger; a record that still fails is counted and logged in
// full.
func (e *AutomationEngine) persist(ctx context.Context, in RecordInput) ExecutionRecord {
	var saved *ExecutionRecord
	op := func() error {
		var err error
		saved, err = e.recorder.Record(ctx, in)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.recordRetryDelay), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		e.metrics.IncRecordFailure()
		e.logger.WithFields(e.fields(in.Rule, in.Event)).WithFields(logrus.Fields{
			"execution_id":   saved.ID,
			"outcome":        saved.Outcome,
			"action_results": saved.ActionResults,
		}).Errorf("automation: record execution failed: %v", err)
	}
	return *saved
}

func (e *AutomationEngine) deferRemaining(ctx context.Context, executionID string, rule AutomationRule, evt Event, testMode bool, plan ExecutionPlan) error {
	if e.continuations == nil {
		return errors.New("no continuation store configured")
	}
	c := &Continuation{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		TenantID:       rule.TenantID,
		RuleID:         rule.ID,
		IsTestMode:     testMode,
		Event:          evt,
		Remaining:      plan.Remaining,
		SkipFirstDelay: plan.SkipFirstDelay,
		ResumeAt:       plan.ResumeAt,
		Status:         ContinuationPending,
	}
	if err := e.continuations.Save(ctx, c); err != nil {
		return fmt.Errorf("save continuation: %w", err)
	}
	if e.scheduler != nil {
		if err := e.scheduler.Schedule(ctx, c); err != nil {
			return fmt.Errorf("schedule continuation %s: %w", c.ID, err)
		}
	}
	e.metrics.IncContinuationQueued()
	return nil
}

// Resume continues a stored action sequence. The rule is re-read from storage
// rather than the snapshot, which may lag a deactivation made on another
// instance: if it was deactivated or deleted meanwhile, the remaining actions
// are recorded as skipped.
func (e *AutomationEngine) Resume(ctx context.Context, continuationID string) error {
	ctx, span := e.tracer.Start(ctx, "automation.resume")
	defer span.End()
	span.SetAttributes(attribute.String("automation.continuation_id", continuationID))

	c, err := e.continuations.Claim(ctx, continuationID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim continuation: %w", err)
	}
	if c == nil {
		return nil
	}

	rule, ok, err := e.rules.Current(ctx, c.TenantID, c.RuleID)
	if err != nil {
		span.RecordError(err)
		_ = e.continuations.Release(ctx, c.ID, err)
		return fmt.Errorf("load rule for continuation: %w", err)
	}
	if !ok || !rule.IsActive {
		return e.settle(ctx, c, ActionSkipped, "rule deactivated", "cancelled")
	}

	plan := e.executor.Execute(ctx, c.Remaining, ActionContext{
		Event:       c.Event,
		TenantID:    c.TenantID,
		RuleID:      c.RuleID,
		ExecutionID: c.ExecutionID,
	}, c.IsTestMode, c.SkipFirstDelay)

	results := plan.Results
	done := !plan.Deferred()
	if plan.Deferred() {
		if err := e.deferRemaining(ctx, c.ExecutionID, rule, c.Event, c.IsTestMode, plan); err != nil {
			e.logger.WithFields(e.fields(rule, c.Event)).Errorf("automation: schedule continuation failed: %v", err)
			results = append(results, failRemaining(plan.Remaining, err, e.now())...)
			done = true
		}
	}

	// Actions already ran: the continuation is finished even if the audit
	// update below fails, so they are never dispatched twice.
	if err := e.continuations.Complete(ctx, c.ID); err != nil {
		e.logger.WithField("continuation_id", c.ID).Errorf("automation: complete continuation failed: %v", err)
	}
	rec, err := e.recorder.AppendResults(ctx, c.ExecutionID, results, done)
	if err != nil {
		span.RecordError(err)
		e.metrics.IncContinuationRun("error")
		return fmt.Errorf("append continuation results: %w", err)
	}
	e.metrics.IncContinuationRun("resumed")
	e.notify(*rec)
	return nil
}

// RecoverInterrupted settles continuations left running by a resume that never
// finished, e.g. the process died mid-dispatch. Some of their actions may have
// been delivered, so they are not retried: the remaining actions are recorded
// as failed and the execution is completed. Returns how many were settled.
func (e *AutomationEngine) RecoverInterrupted(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := e.continuations.ClaimStale(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("claim stale continuations: %w", err)
	}
	var errs []error
	for i := range stale {
		c := &stale[i]
		rec, err := e.recorder.AppendResults(ctx, c.ExecutionID, settledResults(c, ActionFailed, interruptedDetail, e.now()), true)
		if err != nil {
			errs = append(errs, fmt.Errorf("continuation %s: %w", c.ID, err))
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"continuation_id": c.ID,
			"execution_id":    c.ExecutionID,
			"tenant_id":       c.TenantID,
			"rule_id":         c.RuleID,
		}).Warn("automation: interrupted continuation settled as failed")
		e.metrics.IncContinuationRun("interrupted")
		e.notify(*rec)
	}
	return len(stale) - len(errs), errors.Join(errs...)
}

const interruptedDetail = "interrupted: resume did not finish, not retried"

// settle records every remaining action of a claimed continuation with status
// and completes both the continuation and its execution.
func (e *AutomationEngine) settle(ctx context.Context, c *Continuation, status ActionStatus, detail, result string) error {
	rec, err := e.recorder.AppendResults(ctx, c.ExecutionID, settledResults(c, status, detail, e.now()), true)
	if err != nil {
		_ = e.continuations.Release(ctx, c.ID, err)
		return fmt.Errorf("record %s continuation: %w", result, err)
	}
	if err := e.continuations.Complete(ctx, c.ID); err != nil {
		return err
	}
	e.metrics.IncContinuationRun(result)
	e.notify(*rec)
	return nil
}

func settledResults(c *Continuation, status ActionStatus, detail string, at time.Time) []ActionResult {
	out := make([]ActionResult, 0, len(c.Remaining))
	for _, a := range c.Remaining {
		out = append(out, ActionResult{Type: a.Type, Status: status, Detail: detail, At: at.UTC()})
	}
	return out
}

func (e *AutomationEngine) fields(rule AutomationRule, evt Event) logrus.Fields {
	return logrus.Fields{
		"tenant_id": rule.TenantID,
		"rule_id":   rule.ID,
		"event":     evt.Name,
		"event_id":  evt.ID,
		"entity_id": evt.EntityID,
	}
}

func conditionsNotMetReason(results []ConditionResult) string {
	for _, r := range results {
		if r.Status == ConditionFailed {
			msg := fmt.Sprintf("conditions not met: %s %s", r.Field, r.Operator)
			if r.Detail != "" {
				msg += " (" + r.Detail + ")"
			}
			return msg
		}
	}
	return "conditions not met"
}

func failRemaining(actions []ActionSpec, cause error, at time.Time) []ActionResult {
	detail := "not scheduled: " + strings.TrimSpace(cause.Error())
	out := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionResult{Type: a.Type, Status: ActionFailed, Detail: detail, At: at.UTC()})
	}
	return out
}
